package folio

import (
	"encoding/base64"
	"regexp"
	"strings"
)

const credentialLineWidth = 64

var pemBlockPattern = regexp.MustCompile(`(?s)(-----BEGIN [A-Z0-9 ]+-----\r?\n)(.*?)(-----END [A-Z0-9 ]+-----)`)

// CanonicalizeCredential re-wraps every PEM-style block inside the blob to the
// canonical line width. Issued credentials sometimes arrive with key bodies
// re-flowed by mail clients or copy-paste; the decoded bytes are identical but
// the authority compares the text form. Blocks whose body is not valid base64
// are left untouched, as is everything outside the blocks.
func CanonicalizeCredential(blob []byte) []byte {
	return pemBlockPattern.ReplaceAllFunc(blob, func(block []byte) []byte {
		parts := pemBlockPattern.FindSubmatch(block)
		if parts == nil {
			return block
		}
		header, body, footer := parts[1], parts[2], parts[3]

		compact := strings.Map(func(r rune) rune {
			switch r {
			case ' ', '\t', '\r', '\n':
				return -1
			}
			return r
		}, string(body))

		if _, err := base64.StdEncoding.DecodeString(compact); err != nil {
			return block
		}

		var out strings.Builder
		out.Write(header)
		for i := 0; i < len(compact); i += credentialLineWidth {
			end := i + credentialLineWidth
			if end > len(compact) {
				end = len(compact)
			}
			out.WriteString(compact[i:end])
			out.WriteByte('\n')
		}
		out.Write(footer)
		return []byte(out.String())
	})
}
