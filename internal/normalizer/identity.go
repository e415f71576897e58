package normalizer

import "strings"

const (
	serverUser      = "@s.whatsapp.net"
	serverHosted    = "@hosted"
	serverLID       = "@lid"
	serverHostedLID = "@hosted.lid"
	serverGroup     = "@g.us"
	serverBroadcast = "@broadcast"
)

// NormalizeWaID drops the device suffix from the user part: "1:5@s.whatsapp.net"
// becomes "1@s.whatsapp.net". Strings without a server pass through.
func NormalizeWaID(jid string) string {
	at := strings.IndexByte(jid, '@')
	if at < 0 {
		return jid
	}
	user, server := jid[:at], jid[at+1:]
	if colon := strings.IndexByte(user, ':'); colon >= 0 {
		user = user[:colon]
	}
	if second := strings.IndexByte(server, '@'); second >= 0 {
		server = server[:second]
	}
	return user + "@" + server
}

// IsLID reports whether jid uses an anonymized server.
func IsLID(jid string) bool {
	if jid == "" {
		return false
	}
	normalized := NormalizeWaID(jid)
	return strings.HasSuffix(normalized, serverLID) || strings.HasSuffix(normalized, serverHostedLID)
}

// IsGroup reports whether jid addresses a group chat.
func IsGroup(jid string) bool {
	return strings.HasSuffix(jid, serverGroup)
}

// IsBroadcast reports whether jid is a broadcast list or status feed.
func IsBroadcast(jid string) bool {
	return strings.HasSuffix(jid, serverBroadcast)
}

// ExtractPhone returns the digits of the user part, or "" when there are none.
func ExtractPhone(jid string) string {
	at := strings.IndexByte(jid, '@')
	if at < 0 {
		return ""
	}
	user := jid[:at]
	if colon := strings.IndexByte(user, ':'); colon >= 0 {
		user = user[:colon]
	}
	var b strings.Builder
	for _, r := range user {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isStableServer(jid string) bool {
	return strings.HasSuffix(jid, serverUser) || strings.HasSuffix(jid, serverHosted)
}
