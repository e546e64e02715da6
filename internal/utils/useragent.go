package utils

import (
	"strings"

	ua "github.com/mssola/user_agent"
)

// Booking channels recorded on the booking
const (
	ChannelWeb     = "web"
	ChannelMobile  = "mobile"
	ChannelTablet  = "tablet"
	ChannelUnknown = "unknown"
)

// ClientInfo holds what the reservation core keeps from a User-Agent string
type ClientInfo struct {
	Channel string `json:"channel"`
	OS      string `json:"os"`
	Browser string `json:"browser"`
	IsBot   bool   `json:"is_bot"`
}

var tabletIndicators = []string{
	"ipad",
	"tablet",
	"kindle",
	"playbook",
	"nexus 7",
	"nexus 9",
	"nexus 10",
	"sm-t", // Samsung tablets
}

// ParseUserAgent parses a User-Agent string
func ParseUserAgent(userAgent string) ClientInfo {
	if strings.TrimSpace(userAgent) == "" {
		return ClientInfo{Channel: ChannelUnknown, OS: "Unknown", Browser: "Unknown"}
	}

	parser := ua.New(userAgent)
	info := ClientInfo{
		Channel: channelOf(parser),
		OS:      osOf(parser),
		Browser: "Unknown",
		IsBot:   parser.Bot(),
	}
	if name, _ := parser.Browser(); name != "" {
		info.Browser = name
	}
	return info
}

func channelOf(parser *ua.UserAgent) string {
	lower := strings.ToLower(parser.UA())
	for _, indicator := range tabletIndicators {
		if strings.Contains(lower, indicator) {
			return ChannelTablet
		}
	}
	if parser.Mobile() {
		return ChannelMobile
	}
	return ChannelWeb
}

func osOf(parser *ua.UserAgent) string {
	info := parser.OSInfo()
	if info.Name == "" {
		return "Unknown"
	}
	if info.Version != "" {
		return info.Name + " " + info.Version
	}
	return info.Name
}

// IsBot checks if the user agent represents a bot/crawler
func IsBot(userAgent string) bool {
	return ua.New(userAgent).Bot()
}
