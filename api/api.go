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
	"github.com/jerry-enebeli/creditguard"
	"github.com/jerry-enebeli/creditguard/api/middleware"
	"github.com/jerry-enebeli/creditguard/config"
	"github.com/jerry-enebeli/creditguard/database"
)

type Api struct {
	guard  *creditguard.Guard
	store  database.IDataSource
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	router.POST("/accounts", a.CreateAccount)
	router.GET("/accounts/:id", a.GetAccount)
	router.GET("/accounts/:id/adjustments", a.GetAdjustments)

	router.GET("/balances/:id", a.GetBalance)
	router.POST("/balances/:id/refresh", a.RefreshBalance)
	router.DELETE("/balances/:id/cache", a.InvalidateBalance)
	router.DELETE("/balances", a.InvalidateAllBalances)
	router.POST("/balances/:id/consume", a.ConsumeCredits)
	router.POST("/balances/:id/credit", a.GrantCredits)

	router.GET("/sessions/:id/limit", a.GetSessionLimit)
	router.DELETE("/sessions/:id/limit", a.ResetSessionLimit)
	return a.router
}

func NewAPI(g *creditguard.Guard, store database.IDataSource, conf *config.Configuration) *Api {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID())

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware(conf, g.Classifier()))
	}
	r.Use(middleware.IPLimit(g.IPs(), g.Classifier()))

	return &Api{guard: g, store: store, router: r}
}

func (a Api) abort(c *gin.Context, err error) {
	middleware.Abort(c, a.guard.Classifier(), err)
}
