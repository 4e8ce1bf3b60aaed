package step

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// DomainStep is the domain prefix for step fingerprints. The version suffix
// allows the encoding to change without colliding with old ledgers.
const DomainStep = "chainstep/step/v1"

// Fingerprint returns a stable content hash of the step definition.
//
// The ledger stores it alongside Applied entries so a run can warn when a
// step that already ran has since been edited. Tag and dependency order do
// not affect the hash; argument order does.
func Fingerprint(s Step) (string, error) {
	obj := map[string]any{
		"name":         normalize(s.Name),
		"tags":         sortedCopy(s.Tags),
		"dependencies": sortedCopy(s.Dependencies),
		"target":       s.Target.String(),
	}

	switch a := s.Action.(type) {
	case Deploy:
		obj["action"] = map[string]any{
			"kind":     string(KindDeploy),
			"artifact": a.Artifact,
			"args":     normalizeArgs(a.Args),
			"signer":   a.Signer,
		}
	case Execute:
		obj["action"] = map[string]any{
			"kind":     string(KindExecute),
			"artifact": a.Artifact,
			"function": a.Function,
			"args":     normalizeArgs(a.Args),
			"signer":   a.Signer,
		}
	case Raw:
		obj["action"] = map[string]any{
			"kind":        string(KindRaw),
			"description": a.Description,
		}
	case nil:
		return "", fmt.Errorf("fingerprint %q: %w: no action", s.Name, ErrInvalidStep)
	default:
		obj["action"] = map[string]any{"kind": string(a.Kind())}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil {
		return "", fmt.Errorf("fingerprint %q: %w", s.Name, err)
	}
	return hashWithDomain(DomainStep, bytes.TrimSpace(buf.Bytes())), nil
}

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func sortedCopy(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		out = append(out, normalize(v))
	}
	sort.Strings(out)
	return out
}

func normalizeArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = normalizeArg(a)
	}
	return out
}

func normalizeArg(v any) any {
	switch val := v.(type) {
	case string:
		return norm.NFC.String(val)
	case []any:
		return normalizeArgs(val)
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, inner := range val {
			m[norm.NFC.String(k)] = normalizeArg(inner)
		}
		return m
	default:
		return val
	}
}
