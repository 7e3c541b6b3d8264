package patch

import "strings"

// Agent identifies the requesting calendar client.
type Agent int

const (
	AgentUnknown Agent = iota
	AgentMacCalendar
	AgentIOSCalendar
	AgentLightning
	AgentEMClient
	AgentWindows
	AgentDAVx5
	AgentCalDAVSynchronizer
)

// String provides a human-readable representation of the Agent.
func (a Agent) String() string {
	switch a {
	case AgentMacCalendar:
		return "mac-calendar"
	case AgentIOSCalendar:
		return "ios-calendar"
	case AgentLightning:
		return "lightning"
	case AgentEMClient:
		return "em-client"
	case AgentWindows:
		return "windows"
	case AgentDAVx5:
		return "davx5"
	case AgentCalDAVSynchronizer:
		return "caldav-synchronizer"
	default:
		return "unknown"
	}
}

// Apple and Mozilla group the agents sharing client quirks.
var (
	Apple   = []Agent{AgentMacCalendar, AgentIOSCalendar}
	Mozilla = []Agent{AgentLightning, AgentEMClient}
)

// ParseUserAgent classifies a User-Agent header.
func ParseUserAgent(ua string) Agent {
	switch {
	case ua == "":
		return AgentUnknown
	case strings.Contains(ua, "dataaccessd") || strings.Contains(ua, "iOS/") || strings.HasPrefix(ua, "iPhone") || strings.HasPrefix(ua, "iPad"):
		return AgentIOSCalendar
	case strings.Contains(ua, "CalendarAgent") || strings.Contains(ua, "CalendarStore") || strings.HasPrefix(ua, "iCal/") ||
		(strings.Contains(ua, "Mac OS X") || strings.Contains(ua, "macOS")) && strings.Contains(ua, "Calendar"):
		return AgentMacCalendar
	case strings.Contains(ua, "Thunderbird") || strings.Contains(ua, "Lightning"):
		return AgentLightning
	case strings.Contains(ua, "eM Client"):
		return AgentEMClient
	case strings.Contains(ua, "DAVx5") || strings.Contains(ua, "DAVdroid"):
		return AgentDAVx5
	case strings.Contains(ua, "CalDavSynchronizer"):
		return AgentCalDAVSynchronizer
	case strings.HasPrefix(ua, "MSFT-WIN") || strings.Contains(ua, "Microsoft.Calendar") || strings.Contains(ua, "Windows-Calendar"):
		return AgentWindows
	default:
		return AgentUnknown
	}
}
