package protocol

// SSH transport-layer message numbers (RFC 4253 Section 12).
const (
	MsgDisconnect     byte = 1
	MsgIgnore         byte = 2
	MsgUnimplemented  byte = 3
	MsgDebug          byte = 4
	MsgServiceRequest byte = 5
	MsgServiceAccept  byte = 6

	MsgKexInit byte = 20
	MsgNewKeys byte = 21

	// Curve25519/ECDH key exchange (RFC 5656 Section 4).
	MsgKexECDHInit  byte = 30
	MsgKexECDHReply byte = 31
)

// Authentication message numbers (RFC 4252 Section 6).
const (
	MsgUserauthRequest byte = 50
	MsgUserauthFailure byte = 51
	MsgUserauthSuccess byte = 52
	MsgUserauthBanner  byte = 53
)

// Connection-layer message numbers (RFC 4254 Section 9).
const (
	MsgGlobalRequest  byte = 80
	MsgRequestSuccess byte = 81
	MsgRequestFailure byte = 82

	MsgChannelOpen             byte = 90
	MsgChannelOpenConfirmation byte = 91
	MsgChannelOpenFailure      byte = 92
	MsgChannelWindowAdjust     byte = 93
	MsgChannelData             byte = 94
	MsgChannelExtendedData     byte = 95
	MsgChannelEOF              byte = 96
	MsgChannelClose            byte = 97
	MsgChannelRequest          byte = 98
	MsgChannelSuccess          byte = 99
	MsgChannelFailure          byte = 100
)

// Wire name constants used in requests and channel opens.
const (
	ServiceUserAuth   = "ssh-userauth"
	ServiceConnection = "ssh-connection"

	AuthPassword = "password"

	// ChannelSession is the standard interactive session channel
	// (RFC 4254 Section 6.1).
	ChannelSession = "session"

	RequestPty   = "pty-req"
	RequestShell = "shell"
	RequestExec  = "exec"
)

// Channel open failure reason codes (RFC 4254 Section 5.1).
const (
	OpenProhibited         uint32 = 1
	OpenConnectFailed      uint32 = 2
	OpenUnknownChannelType uint32 = 3
	OpenResourceShortage   uint32 = 4
)

// MessageName returns a human-readable name for a message number, for logging.
func MessageName(code byte) string {
	if name, ok := messageNames[code]; ok {
		return name
	}
	return "unknown"
}

var messageNames = map[byte]string{
	MsgDisconnect:              "disconnect",
	MsgIgnore:                  "ignore",
	MsgUnimplemented:           "unimplemented",
	MsgDebug:                   "debug",
	MsgServiceRequest:          "service_request",
	MsgServiceAccept:           "service_accept",
	MsgKexInit:                 "kexinit",
	MsgNewKeys:                 "newkeys",
	MsgKexECDHInit:             "kex_ecdh_init",
	MsgKexECDHReply:            "kex_ecdh_reply",
	MsgUserauthRequest:         "userauth_request",
	MsgUserauthFailure:         "userauth_failure",
	MsgUserauthSuccess:         "userauth_success",
	MsgUserauthBanner:          "userauth_banner",
	MsgGlobalRequest:           "global_request",
	MsgRequestSuccess:          "request_success",
	MsgRequestFailure:          "request_failure",
	MsgChannelOpen:             "channel_open",
	MsgChannelOpenConfirmation: "channel_open_confirmation",
	MsgChannelOpenFailure:      "channel_open_failure",
	MsgChannelWindowAdjust:     "channel_window_adjust",
	MsgChannelData:             "channel_data",
	MsgChannelExtendedData:     "channel_extended_data",
	MsgChannelEOF:              "channel_eof",
	MsgChannelClose:            "channel_close",
	MsgChannelRequest:          "channel_request",
	MsgChannelSuccess:          "channel_success",
	MsgChannelFailure:          "channel_failure",
}
