package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gin-gonic/gin"
)

// errMissingData is returned when a form-encoded webhook lacks the data
// parameter.
var errMissingData = errors.New("parâmetro 'data' não encontrado")

// decodeWebhookBody reads a webhook payload into out. Bling posts either
// plain JSON or form-encoded bodies carrying the JSON in a data parameter.
func decodeWebhookBody(c *gin.Context, out any) error {
	contentType := c.GetHeader("Content-Type")

	if strings.Contains(contentType, "application/x-www-form-urlencoded") {
		raw := c.PostForm("data")
		if raw == "" {
			return errMissingData
		}
		if err := json.Unmarshal([]byte(raw), out); err != nil {
			return fmt.Errorf("JSON inválido no parâmetro 'data': %w", err)
		}
		return nil
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return fmt.Errorf("falha ao ler corpo da requisição: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("JSON inválido: %w", err)
	}
	return nil
}
