package boltconn

import (
	"fmt"

	goversion "github.com/hashicorp/go-version"
)

// magicPreamble is the fixed 4-byte marker that opens every handshake.
var magicPreamble = [4]byte{0x60, 0x60, 0xB0, 0x17}

// proposalCount is how many version slots the client offers; unused
// slots are zero-padded (§6).
const proposalCount = 4

// offeredVersions lists the Bolt versions this driver knows, most
// preferred first, expressed with hashicorp/go-version. The order is
// fixed by hand; nothing compares or sorts them. buildHandshake proposes
// only the first proposalCount entries, each as a single version, so
// 3.0.0 is listed here but never proposed to the server.
var offeredVersions = []*goversion.Version{
	goversion.Must(goversion.NewVersion("4.4.0")),
	goversion.Must(goversion.NewVersion("4.3.0")),
	goversion.Must(goversion.NewVersion("4.1.0")),
	goversion.Must(goversion.NewVersion("4.0.0")),
	goversion.Must(goversion.NewVersion("3.0.0")),
}

// buildHandshake returns the magic preamble followed by proposalCount
// 4-byte version proposals. Each proposal is laid out
// [0x00, range, minorMax, major]; a single-version proposal (no range
// collapsing) sets range=0, matching spec.md's "0x00 0x00 minor major"
// shorthand for the common case.
func buildHandshake() []byte {
	buf := make([]byte, 4+proposalCount*4)
	copy(buf[0:4], magicPreamble[:])
	for i := 0; i < proposalCount && i < len(offeredVersions); i++ {
		v := offeredVersions[i].Segments()
		major, minor := v[0], v[1]
		off := 4 + i*4
		buf[off+0] = 0x00
		buf[off+1] = 0x00 // range: each offered entry here is a single version
		buf[off+2] = byte(minor)
		buf[off+3] = byte(major)
	}
	return buf
}

// NegotiatedVersion is the (major, minor) pair the server selected.
type NegotiatedVersion struct {
	Major, Minor int
}

func (v NegotiatedVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// parseHandshakeReply decodes the server's 4-byte response. All-zero
// means "no match".
func parseHandshakeReply(reply [4]byte) (NegotiatedVersion, bool) {
	minor, major := reply[2], reply[3]
	if major == 0 && minor == 0 && reply[0] == 0 && reply[1] == 0 {
		return NegotiatedVersion{}, false
	}
	return NegotiatedVersion{Major: int(major), Minor: int(minor)}, true
}

func offeredVersionStrings() []string {
	out := make([]string, 0, len(offeredVersions))
	for _, v := range offeredVersions {
		out = append(out, v.Original())
	}
	return out
}
