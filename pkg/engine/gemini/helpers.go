package gemini

import (
	"encoding/json"

	genai "github.com/google/generative-ai-go/genai"
	"github.com/invopop/jsonschema"

	"github.com/tanglechat/tangle/pkg/engine"
)

// convertSchema translates an invopop jsonschema into the genai schema
// shape, best effort for the common scalar/object/array cases.
func convertSchema(s *jsonschema.Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	gs := &genai.Schema{Description: s.Description}
	switch s.Type {
	case "string":
		gs.Type = genai.TypeString
	case "number":
		gs.Type = genai.TypeNumber
	case "integer":
		gs.Type = genai.TypeInteger
	case "boolean":
		gs.Type = genai.TypeBoolean
	case "array":
		gs.Type = genai.TypeArray
		if s.Items != nil {
			gs.Items = convertSchema(s.Items)
		}
	default:
		gs.Type = genai.TypeObject
		if s.Properties != nil {
			props := map[string]*genai.Schema{}
			for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
				props[pair.Key] = convertSchema(pair.Value)
			}
			if len(props) > 0 {
				gs.Properties = props
			}
		}
		gs.Required = s.Required
	}
	return gs
}

// splitBlocks partitions a Turn's blocks into the system instruction, the
// chat history and the parts of the final user message, which the genai
// chat session API wants separately.
func splitBlocks(blocks []engine.Block) (system string, history []*genai.Content, last []genai.Part) {
	var contents []*genai.Content
	appendPart := func(role string, part genai.Part) {
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, part)
			return
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []genai.Part{part}})
	}

	for _, block := range blocks {
		switch block.Kind {
		case engine.BlockKindSystem:
			if system != "" {
				system += "\n\n"
			}
			system += block.Text
		case engine.BlockKindUser:
			appendPart("user", genai.Text(block.Text))
			for _, img := range block.Images {
				if len(img.Data) == 0 {
					continue
				}
				appendPart("user", genai.Blob{MIMEType: img.MediaType, Data: img.Data})
			}
		case engine.BlockKindAssistant:
			appendPart("model", genai.Text(block.Text))
		case engine.BlockKindToolCall:
			var args map[string]any
			_ = json.Unmarshal(block.Args, &args)
			appendPart("model", genai.FunctionCall{Name: block.ToolName, Args: args})
		case engine.BlockKindToolResult:
			var response map[string]any
			if err := json.Unmarshal([]byte(block.Result), &response); err != nil {
				response = map[string]any{"result": block.Result}
			}
			appendPart("user", genai.FunctionResponse{Name: block.ToolName, Response: response})
		case engine.BlockKindReasoning:
			// never replayed
		}
	}

	if n := len(contents); n > 0 && contents[n-1].Role == "user" {
		last = contents[n-1].Parts
		contents = contents[:n-1]
	} else {
		// the session API requires a trailing user message; fall back to an
		// empty continuation prompt
		last = []genai.Part{genai.Text("")}
	}
	return system, contents, last
}
