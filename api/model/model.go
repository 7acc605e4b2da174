/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package model

import (
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/jerry-enebeli/creditguard/model"
)

type CreateAccount struct {
	AccountID string                 `json:"account_id"`
	Balance   int64                  `json:"balance"`
	MetaData  map[string]interface{} `json:"meta_data"`
}

type ConsumeCredits struct {
	Amount         int64                  `json:"amount"`
	Endpoint       string                 `json:"endpoint"`
	Reason         string                 `json:"reason"`
	IdempotencyKey string                 `json:"idempotency_key"`
	MetaData       map[string]interface{} `json:"meta_data"`
}

type GrantCredits struct {
	Amount         int64                  `json:"amount"`
	Reason         string                 `json:"reason"`
	IdempotencyKey string                 `json:"idempotency_key"`
	MetaData       map[string]interface{} `json:"meta_data"`
}

func idempotencyKeyValidation(metaData map[string]interface{}) validation.RuleFunc {
	return func(value interface{}) error {
		key, _ := value.(string)
		if key == "" {
			return nil
		}
		if inMeta, ok := metaData[model.MetadataIdempotencyKey].(string); ok && inMeta != key {
			return errors.New("conflicts with meta_data.idempotency_key")
		}
		return nil
	}
}

func (a *CreateAccount) ValidateCreateAccount() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.AccountID, validation.Length(0, 64)),
		validation.Field(&a.Balance, validation.Min(int64(0))),
	)
}

func (c *ConsumeCredits) ValidateConsumeCredits() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Amount, validation.Required, validation.Min(int64(1))),
		validation.Field(&c.Endpoint, validation.Length(0, 255)),
		validation.Field(&c.IdempotencyKey, validation.Length(0, 255), validation.By(idempotencyKeyValidation(c.MetaData))),
	)
}

func (g *GrantCredits) ValidateGrantCredits() error {
	return validation.ValidateStruct(g,
		validation.Field(&g.Amount, validation.Required, validation.Min(int64(1))),
		validation.Field(&g.IdempotencyKey, validation.Length(0, 255), validation.By(idempotencyKeyValidation(g.MetaData))),
	)
}

func (a *CreateAccount) ToAccount() model.Account {
	return model.Account{
		AccountID: a.AccountID,
		Balance:   a.Balance,
		MetaData:  a.MetaData,
	}
}

func (c *ConsumeCredits) ToCharge(accountID, sessionID string) model.Charge {
	return model.Charge{
		AccountID:      accountID,
		SessionID:      sessionID,
		Amount:         c.Amount,
		Endpoint:       c.Endpoint,
		Reason:         c.Reason,
		IdempotencyKey: c.IdempotencyKey,
		MetaData:       c.MetaData,
	}
}

func (g *GrantCredits) ToGrant(accountID string) model.Grant {
	return model.Grant{
		AccountID:      accountID,
		Amount:         g.Amount,
		Reason:         g.Reason,
		IdempotencyKey: g.IdempotencyKey,
		MetaData:       g.MetaData,
	}
}
