package leak

import (
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// fingerprintContext separates leak fingerprints from any other BLAKE3
// use of the same inputs. Changing it re-keys every stored leak.
const fingerprintContext = "revleak 2024-06-01 revenue leak fingerprint v1"

// Fingerprint derives the identity of a finding from its visit, type,
// amount and reference ids. Reference order does not matter.
func Fingerprint(c Candidate) string {
	refs := make([]string, len(c.ReferenceIDs))
	for i, id := range c.ReferenceIDs {
		refs[i] = id.String()
	}
	sort.Strings(refs)

	var b strings.Builder
	b.WriteString(c.VisitID.String())
	b.WriteByte(0x1f)
	b.WriteString(string(c.Type))
	b.WriteByte(0x1f)
	b.WriteString(strconv.FormatInt(int64(c.Amount), 10))
	b.WriteByte(0x1f)
	b.WriteString(strings.Join(refs, ","))

	h := blake3.NewDeriveKey(fingerprintContext)
	_, _ = h.Write([]byte(b.String()))
	return hex.EncodeToString(h.Sum(nil))
}
