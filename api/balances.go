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

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jerry-enebeli/creditguard/api/middleware"
	model2 "github.com/jerry-enebeli/creditguard/api/model"
	"github.com/jerry-enebeli/creditguard/internal/apierror"
)

func (a Api) GetBalance(c *gin.Context) {
	id := c.Param("id")

	balance, err := a.guard.Balance(c.Request.Context(), id)
	if err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": id, "balance": balance})
}

func (a Api) RefreshBalance(c *gin.Context) {
	id := c.Param("id")

	balance, err := a.guard.RefreshBalance(c.Request.Context(), id)
	if err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": id, "balance": balance})
}

func (a Api) InvalidateBalance(c *gin.Context) {
	a.guard.InvalidateBalance(c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (a Api) InvalidateAllBalances(c *gin.Context) {
	a.guard.InvalidateBalance("")
	c.Status(http.StatusNoContent)
}

// ConsumeCredits charges the account. The session is taken from the
// X-Session-ID header and falls back to the client address.
func (a Api) ConsumeCredits(c *gin.Context) {
	var body model2.ConsumeCredits
	if err := c.ShouldBindJSON(&body); err != nil {
		a.abort(c, apierror.Validation(err.Error()))
		return
	}
	if err := body.ValidateConsumeCredits(); err != nil {
		a.abort(c, apierror.Validation(err.Error()))
		return
	}

	sessionID := c.GetHeader(middleware.SessionHeader)
	if sessionID == "" {
		sessionID = a.guard.IPs().SessionID(c.ClientIP())
	}
	if body.Endpoint == "" {
		body.Endpoint = c.FullPath()
	}

	receipt, err := a.guard.Consume(c.Request.Context(), body.ToCharge(c.Param("id"), sessionID))
	if err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func (a Api) GrantCredits(c *gin.Context) {
	var body model2.GrantCredits
	if err := c.ShouldBindJSON(&body); err != nil {
		a.abort(c, apierror.Validation(err.Error()))
		return
	}
	if err := body.ValidateGrantCredits(); err != nil {
		a.abort(c, apierror.Validation(err.Error()))
		return
	}

	receipt, err := a.guard.Credit(c.Request.Context(), body.ToGrant(c.Param("id")))
	if err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, receipt)
}
