package sign

import (
    "encoding/base64"
    "strconv"
    "strings"
)

// HelloTranscript builds the canonical transcript signed by the initiator of
// a handshake. Format:
//   iac:hello|v=1|alg=<alg>|ts=<unix_ms>|pub=<b64url>|nonce=<b64url>|id=<node id>|dicts=<id,id,...>
func HelloTranscript(alg string, pub, nonce []byte, tsUnixMS int64, nodeID string, dicts []uint32) []byte {
    return transcript("iac:hello", alg, pub, nonce, tsUnixMS, nodeID, func(sb *strings.Builder) {
        sb.WriteString("|dicts=")
        for i, d := range dicts {
            if i > 0 { sb.WriteByte(',') }
            sb.WriteString(strconv.FormatUint(uint64(d), 10))
        }
    })
}

// WelcomeTranscript is signed by the responder. It covers the initiator's
// nonce so a recorded welcome cannot answer a different hello.
//   iac:welcome|v=1|alg=...|ts=...|pub=...|nonce=...|id=...|peer_nonce=<b64url>|dict=<id>|session=<id>
func WelcomeTranscript(alg string, pub, nonce []byte, tsUnixMS int64, nodeID string, peerNonce []byte, dict uint32, session uint64) []byte {
    return transcript("iac:welcome", alg, pub, nonce, tsUnixMS, nodeID, func(sb *strings.Builder) {
        sb.WriteString("|peer_nonce=")
        sb.WriteString(base64.RawURLEncoding.EncodeToString(peerNonce))
        sb.WriteString("|dict=")
        sb.WriteString(strconv.FormatUint(uint64(dict), 10))
        sb.WriteString("|session=")
        sb.WriteString(strconv.FormatUint(session, 10))
    })
}

func transcript(label, alg string, pub, nonce []byte, tsUnixMS int64, nodeID string, tail func(*strings.Builder)) []byte {
    b64 := base64.RawURLEncoding
    var sb strings.Builder
    sb.Grow(128 + len(nodeID))
    sb.WriteString(label)
    sb.WriteString("|v=1|alg=")
    sb.WriteString(strings.ToLower(strings.TrimSpace(alg)))
    sb.WriteString("|ts=")
    sb.WriteString(strconv.FormatInt(tsUnixMS, 10))
    sb.WriteString("|pub=")
    sb.WriteString(b64.EncodeToString(pub))
    sb.WriteString("|nonce=")
    sb.WriteString(b64.EncodeToString(nonce))
    sb.WriteString("|id=")
    sb.WriteString(nodeID)
    if tail != nil { tail(&sb) }
    return []byte(sb.String())
}
