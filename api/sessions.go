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
)

// GetSessionLimit reports the allowance left to a session without spending it.
func (a Api) GetSessionLimit(c *gin.Context) {
	id := c.Param("id")
	sessions := a.guard.Sessions()

	resp := gin.H{
		"session_id": id,
		"remaining":  sessions.Remaining(id),
		"limit":      sessions.Config().MaxRequests,
	}
	if snap, ok := sessions.Session(id); ok {
		resp["is_blocked"] = snap.IsBlocked
		resp["block_until"] = snap.BlockUntil
		resp["request_count"] = snap.RequestCount
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) ResetSessionLimit(c *gin.Context) {
	a.guard.Sessions().Reset(c.Param("id"))
	c.Status(http.StatusNoContent)
}
