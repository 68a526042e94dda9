package api

import "github.com/gin-gonic/gin"

// ErrorPayload is the structured error carried by every non-ok response.
type ErrorPayload struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Envelope is the gateway's standard response shape.
type Envelope struct {
	Status string        `json:"status"`
	Data   any           `json:"data,omitempty"`
	Error  *ErrorPayload `json:"error,omitempty"`
}

func respondOK(c *gin.Context, data any) {
	c.JSON(200, Envelope{Status: "ok", Data: data})
}

func respondError(c *gin.Context, code int, message, details string) {
	c.JSON(code, Envelope{Status: "error", Error: &ErrorPayload{Message: message, Details: details}})
}
