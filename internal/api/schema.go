package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ashureev/cozegate/internal/domain"
	"github.com/xeipuuv/gojsonschema"
)

const maxBodyBytes = 1 << 20

const openSessionSchema = `{
	"type": "object",
	"required": ["user_id"],
	"properties": {
		"user_id": {"type": "string", "minLength": 1, "maxLength": 128},
		"bot_id": {"type": "string", "maxLength": 128},
		"meta_data": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		}
	}
}`

const sendMessageSchema = `{
	"type": "object",
	"required": ["message"],
	"properties": {
		"message": {"type": "string", "minLength": 1},
		"stream": {"type": "boolean"}
	}
}`

type openSessionBody struct {
	UserID   string            `json:"user_id"`
	BotID    string            `json:"bot_id"`
	Metadata map[string]string `json:"meta_data"`
}

type sendMessageBody struct {
	Message string `json:"message"`
	Stream  bool   `json:"stream"`
}

type schemas struct {
	openSession *gojsonschema.Schema
	sendMessage *gojsonschema.Schema
}

func mustLoadSchemas() *schemas {
	load := func(src string) *gojsonschema.Schema {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			panic(fmt.Sprintf("compile request schema: %v", err))
		}
		return s
	}
	return &schemas{
		openSession: load(openSessionSchema),
		sendMessage: load(sendMessageSchema),
	}
}

// decode reads the request body, validates it against schema and decodes
// it into dst. Every failure wraps domain.ErrValidation.
func decode(r *http.Request, schema *gojsonschema.Schema, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", domain.ErrValidation, err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return fmt.Errorf("%w: request body is required", domain.ErrValidation)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", domain.ErrValidation, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(msgs, "; "))
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}
