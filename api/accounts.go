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
	"strconv"

	"github.com/gin-gonic/gin"
	model2 "github.com/jerry-enebeli/creditguard/api/model"
	"github.com/jerry-enebeli/creditguard/internal/apierror"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

func (a Api) CreateAccount(c *gin.Context) {
	var newAccount model2.CreateAccount
	if err := c.ShouldBindJSON(&newAccount); err != nil {
		a.abort(c, apierror.Validation(err.Error()))
		return
	}

	if err := newAccount.ValidateCreateAccount(); err != nil {
		a.abort(c, apierror.Validation(err.Error()))
		return
	}

	account, err := a.store.CreateAccount(c.Request.Context(), newAccount.ToAccount())
	if err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, account)
}

func (a Api) GetAccount(c *gin.Context) {
	account, err := a.store.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (a Api) GetAdjustments(c *gin.Context) {
	limit, offset, err := pagination(c)
	if err != nil {
		a.abort(c, err)
		return
	}

	adjustments, err := a.store.GetAdjustments(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, adjustments)
}

func pagination(c *gin.Context) (int, int, error) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageLimit)))
	if err != nil || limit < 1 {
		return 0, 0, apierror.Validation("limit must be a positive integer")
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		return 0, 0, apierror.Validation("offset must be a non-negative integer")
	}
	return limit, offset, nil
}
