package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/redgraph/redgraph/internal/types"
)

// MustSchema compiles a JSON schema document or panics. Reply schemas are
// package-level constants, so a failure is a programming error.
func MustSchema(doc string) *jsonschema.Schema {
	v, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		panic(fmt.Sprintf("llm: bad schema document: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", v); err != nil {
		panic(fmt.Sprintf("llm: add schema resource: %v", err))
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		panic(fmt.Sprintf("llm: compile schema: %v", err))
	}
	return sch
}

// Ask sends the conversation for the given role and decodes the reply into
// out after validating it against schema. On a parse or validation failure
// the model's reply and the validator error are appended to the
// conversation and the call is retried, up to validationRetries attempts.
// The final failure surfaces with kind validation.
func (c *Client) Ask(ctx context.Context, role types.Role, messages []ChatMsg, schema *jsonschema.Schema, out any) error {
	msgs := append([]ChatMsg(nil), messages...)
	var lastErr error
	for attempt := 0; attempt < c.validationRetries; attempt++ {
		raw, _, err := c.Chat(ctx, role, msgs)
		if err != nil {
			return err
		}
		cleaned := StripFences(raw)

		verr := validateAndDecode(cleaned, schema, out)
		if verr == nil {
			return nil
		}
		lastErr = verr
		msgs = append(msgs,
			ChatMsg{Role: "assistant", Content: raw},
			ChatMsg{Role: "user", Content: fmt.Sprintf(
				"Your reply was not valid: %v\nRespond again with ONLY a JSON object matching the required schema.", verr)},
		)
	}
	return types.WrapError(types.ErrValidation, "llm: reply validation exhausted retries", lastErr)
}

func validateAndDecode(cleaned string, schema *jsonschema.Schema, out any) error {
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(cleaned))
	if err != nil {
		return fmt.Errorf("reply is not JSON: %w", err)
	}
	if schema != nil {
		if err := schema.Validate(inst); err != nil {
			return err
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}
