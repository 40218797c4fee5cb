package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/atinyakov/cfvault/internal/crypto"
	"github.com/atinyakov/cfvault/internal/models"
)

// FormatVersion is the container version written by this package.
const FormatVersion = 1

const containerSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["kdf", "salt", "iv", "authTag", "ciphertext"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "kdf": {
      "type": "object",
      "required": ["algo", "n", "r", "p"],
      "properties": {
        "algo": {"type": "string"},
        "n": {"type": "integer", "minimum": 1},
        "r": {"type": "integer", "minimum": 1},
        "p": {"type": "integer", "minimum": 1}
      }
    },
    "salt": {"type": "string", "minLength": 1},
    "iv": {"type": "string", "minLength": 1},
    "authTag": {"type": "string", "minLength": 1},
    "ciphertext": {"type": "string"}
  }
}`

var containerSchema = mustSchema(containerSchemaJSON)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("vault: invalid container schema: %v", err))
	}
	return schema
}

var errMalformed = errors.New("malformed container")

// encodeContainer renders c as indented JSON; byte fields become base64.
func encodeContainer(c models.Container) ([]byte, error) {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal container: %w", err)
	}
	return append(b, '\n'), nil
}

// decodeContainer validates data against the container schema and checks
// every parameter length before anything is derived or decrypted.
func decodeContainer(data []byte) (models.Container, error) {
	var c models.Container

	res, err := containerSchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return c, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return c, fmt.Errorf("%w: %s", errMalformed, strings.Join(msgs, "; "))
	}

	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if c.Version == 0 {
		c.Version = FormatVersion
	}
	if c.Version != FormatVersion {
		return c, fmt.Errorf("%w: unsupported version %d", errMalformed, c.Version)
	}
	if err := crypto.ValidateKDFParams(c.KDF); err != nil {
		return c, fmt.Errorf("%w: %v", errMalformed, err)
	}
	switch {
	case len(c.Salt) != crypto.SaltSize:
		return c, fmt.Errorf("%w: salt is %d bytes", errMalformed, len(c.Salt))
	case len(c.IV) != crypto.IVSize:
		return c, fmt.Errorf("%w: iv is %d bytes", errMalformed, len(c.IV))
	case len(c.AuthTag) != crypto.TagSize:
		return c, fmt.Errorf("%w: auth tag is %d bytes", errMalformed, len(c.AuthTag))
	}
	return c, nil
}

// additionalData binds the container header to the ciphertext.
func additionalData(c models.Container) []byte {
	return []byte(fmt.Sprintf("cfvault/v%d/%s/%d/%d/%d", c.Version, c.KDF.Algo, c.KDF.N, c.KDF.R, c.KDF.P))
}
