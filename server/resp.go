package server

import (
	"errors"
	"net/http"

	"github.com/curtisnewbie/microbus/errs"
	"github.com/curtisnewbie/microbus/flow"
	"github.com/gin-gonic/gin"
)

// Web Endpoint's Resp
type Resp struct {
	ErrorCode string `json:"errorCode"`
	Msg       string `json:"msg"`
	Error     bool   `json:"error"`
	Data      any    `json:"data"`
}

// Wrap with a response object
func WrapResp(rail flow.Rail, data any, err error) Resp {
	if err == nil {
		return OkRespWData(data)
	}

	var be *errs.BusErr
	if errors.As(err, &be) {
		if be.HasCode() {
			rail.Infof("Returned error code: %v, %v", be.Code(), be)
			return ErrorRespWCode(be.Code(), be.Msg())
		}
		rail.Infof("Returned error: %v", be)
		return ErrorResp(be.Msg())
	}

	// not a BusErr, just return some generic msg
	rail.Errorf("Unknown error, %v", err)
	return ErrorResp("Unknown system error, please try again later")
}

// Build error Resp
func ErrorResp(msg string) Resp {
	return Resp{
		ErrorCode: errs.ErrCodeUnknownError,
		Msg:       msg,
		Error:     true,
	}
}

// Build error Resp
func ErrorRespWCode(code string, msg string) Resp {
	return Resp{
		ErrorCode: code,
		Msg:       msg,
		Error:     true,
	}
}

// Build OK Resp with data
func OkRespWData(data any) Resp {
	return Resp{Data: data}
}

// Write the result as json, errors are wrapped in Resp with status 200.
func HandleResult(c *gin.Context, rail flow.Rail, data any, err error) {
	c.JSON(http.StatusOK, WrapResp(rail, data, err))
}

// Recover panics in handlers and respond with Resp.
func DefaultRecovery(c *gin.Context, e any) {
	rail := BuildRail(c)
	if err, ok := e.(error); ok {
		HandleResult(c, rail, nil, err)
		return
	}
	rail.Errorf("Recovered from panic, %v", e)
	HandleResult(c, rail, nil, errs.NewErrf("Unknown error, please try again later"))
}
