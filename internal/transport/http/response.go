package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 管理接口统一响应，Code 与 HTTP 状态码一致
type Response struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

func respond(c *gin.Context, status int, msg string, data any) {
	c.JSON(status, Response{Code: status, Msg: msg, Data: data})
}

// Success 200
func Success(c *gin.Context, data any) { respond(c, http.StatusOK, "成功", data) }

// Created 201
func Created(c *gin.Context, data any) { respond(c, http.StatusCreated, "创建成功", data) }

// Accepted 202，用于部分步骤失败但主体操作已完成的情况，例如注册商推送失败
func Accepted(c *gin.Context, msg string, data any) { respond(c, http.StatusAccepted, msg, data) }

// BadRequest 400
func BadRequest(c *gin.Context, msg string) { respond(c, http.StatusBadRequest, msg, nil) }

// InternalError 500
func InternalError(c *gin.Context, msg string) { respond(c, http.StatusInternalServerError, msg, nil) }

// Error 指定状态码的错误响应
func Error(c *gin.Context, status int, msg string) { respond(c, status, msg, nil) }
