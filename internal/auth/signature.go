package auth

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// ParsedSignatureInput is the decoded Signature-Input header: sig1=
// ("@method" "@target-uri" ...);created=<unix>;keyid="<id>";
// alg="ed25519";nonce="<string>".
type ParsedSignatureInput struct {
	Components []string
	Created    int64
	KeyID      string
	Algorithm  string
	Nonce      string
}

var signatureInputPattern = regexp.MustCompile(`^sig1=\(([^)]*)\)((?:;[a-z]+=(?:"[^"]*"|[0-9]+))*)$`)
var paramPattern = regexp.MustCompile(`;([a-z]+)=(?:"([^"]*)"|([0-9]+))`)

// ParseSignatureInput parses the Signature-Input header value.
// Missing parameters or grammar failures return InvalidSignatureFormat
// via a nil result and a non-nil error.
func ParseSignatureInput(header string) (*ParsedSignatureInput, error) {
	header = strings.TrimSpace(header)
	m := signatureInputPattern.FindStringSubmatch(header)
	if m == nil {
		return nil, fmt.Errorf("signature-input: grammar mismatch")
	}

	var components []string
	for _, raw := range strings.Fields(m[1]) {
		unquoted := strings.Trim(raw, `"`)
		if unquoted == "" {
			continue
		}
		components = append(components, unquoted)
	}
	if len(components) == 0 {
		return nil, fmt.Errorf("signature-input: empty component list")
	}

	params := map[string]string{}
	for _, pm := range paramPattern.FindAllStringSubmatch(m[2], -1) {
		name := pm[1]
		value := pm[2]
		if value == "" {
			value = pm[3]
		}
		params[name] = value
	}

	created, keyID, alg, nonce := params["created"], params["keyid"], params["alg"], params["nonce"]
	if created == "" || keyID == "" || alg == "" || nonce == "" {
		return nil, fmt.Errorf("signature-input: missing required parameter")
	}
	createdUnix, err := strconv.ParseInt(created, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("signature-input: created is not an integer: %w", err)
	}

	return &ParsedSignatureInput{
		Components: components,
		Created:    createdUnix,
		KeyID:      keyID,
		Algorithm:  alg,
		Nonce:      nonce,
	}, nil
}

var signaturePattern = regexp.MustCompile(`^sig1=:([0-9a-fA-F]+):$`)

// ParseSignature parses the Signature header: sig1=:<hex 64-byte
// Ed25519 signature>:.
func ParseSignature(header string) ([]byte, error) {
	header = strings.TrimSpace(header)
	m := signaturePattern.FindStringSubmatch(header)
	if m == nil {
		return nil, fmt.Errorf("signature: grammar mismatch")
	}
	sig, err := hex.DecodeString(m[1])
	if err != nil {
		return nil, fmt.Errorf("signature: invalid hex: %w", err)
	}
	if len(sig) != 64 {
		return nil, fmt.Errorf("signature: expected 64 bytes, got %d", len(sig))
	}
	return sig, nil
}

// CanonicalMessage builds the canonical message step 10 describes: one
// line per covered component in list order, then a final
// "@signature-params" line.
func CanonicalMessage(r *http.Request, input *ParsedSignatureInput) string {
	var lines []string
	for _, component := range input.Components {
		lines = append(lines, canonicalLine(r, component))
	}

	quoted := make([]string, len(input.Components))
	for i, c := range input.Components {
		quoted[i] = `"` + c + `"`
	}
	lines = append(lines, fmt.Sprintf(`"@signature-params": (%s)`, strings.Join(quoted, " ")))

	return strings.Join(lines, "\n")
}

func canonicalLine(r *http.Request, component string) string {
	switch component {
	case "@method":
		return fmt.Sprintf(`"@method": %s`, strings.ToUpper(r.Method))
	case "@target-uri":
		target := r.URL.Path
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		return fmt.Sprintf(`"@target-uri": %s`, target)
	default:
		return fmt.Sprintf(`"%s": %s`, component, r.Header.Get(component))
	}
}
