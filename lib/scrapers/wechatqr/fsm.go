package wechatqr

import (
	"net/url"
	"regexp"
)

// The long-poll endpoint answers with a javascript snippet. wx_errcode
// carries the scan state: 408 nothing yet, 201 scanned, 405 confirmed
// (with wx_code), 404/402 not ready. Some responses skip the errcode
// and jump straight to a redirect, which means confirmed.
var (
	errcodeRegex  = regexp.MustCompile(`wx_errcode\s*=\s*(\d+)`)
	codeRegex     = regexp.MustCompile(`wx_code\s*=\s*['"]([^'"]*)['"]`)
	redirectRegex = regexp.MustCompile(`window\.location(?:\.href|\.replace)?\s*\(?['"]([^'"]+)['"]\)?`)
)

type pollResult struct {
	Status   string
	Code     string
	Redirect string
}

// parsePoll extracts the scan state out of a poll response body,
// normalizing an implied confirmation (code or redirect without an
// errcode) to 405.
func parsePoll(text string) pollResult {
	result := pollResult{Status: "0"}
	if match := errcodeRegex.FindStringSubmatch(text); len(match) > 1 {
		result.Status = match[1]
	}
	if match := codeRegex.FindStringSubmatch(text); len(match) > 1 {
		result.Code = match[1]
	}
	if match := redirectRegex.FindStringSubmatch(text); len(match) > 1 {
		result.Redirect = match[1]
	}
	if result.Status == "0" && (result.Code != "" || result.Redirect != "") {
		result.Status = "405"
	}
	return result
}

// maxNotReady bounds how many consecutive 404/402 answers are
// tolerated before the code is declared dead.
const maxNotReady = 60

type stepKind int

const (
	// stepWait: poll again after the poll interval.
	stepWait stepKind = iota
	// stepExchange: scan confirmed, trade Code for a session.
	stepExchange
	// stepExpired: the QR code is not coming back.
	stepExpired
)

type step struct {
	Kind stepKind
	// Notice is non-empty only when the user-visible status changed.
	Notice string
	// Code is set on stepExchange.
	Code string
}

// session is the pure poll state machine, separated from I/O so the
// transition rules are testable on their own.
type session struct {
	lastParam  string
	lastStatus string
	notReady   int
	oauthState string
}

func newSession(oauthState string) *session {
	return &session{lastParam: "404", oauthState: oauthState}
}

// lastPollParam is echoed back to the poll endpoint as `last`.
func (s *session) lastPollParam() string {
	return s.lastParam
}

func (s *session) advance(poll pollResult) step {
	switch poll.Status {
	case "408", "201", "405", "402", "404":
		s.lastParam = poll.Status
	}

	switch poll.Status {
	case "408":
		notice := ""
		if s.lastStatus != "408" {
			notice = "waiting for scan"
		}
		s.lastStatus = "408"
		s.notReady = 0
		return step{Kind: stepWait, Notice: notice}

	case "404", "402":
		s.notReady++
		s.lastStatus = "404"
		if s.notReady > maxNotReady {
			return step{Kind: stepExpired}
		}
		return step{Kind: stepWait}

	case "201":
		notice := ""
		if s.lastStatus != "201" {
			notice = "scanned, confirm on phone"
		}
		s.lastStatus = "201"
		s.notReady = 0
		return step{Kind: stepWait, Notice: notice}

	case "405":
		code := poll.Code
		if code == "" && poll.Redirect != "" {
			if parsed, err := url.Parse(poll.Redirect); err == nil {
				if state := parsed.Query().Get("state"); state != "" {
					s.oauthState = state
				}
				code = parsed.Query().Get("code")
			}
		}
		if code == "" {
			return step{Kind: stepWait, Notice: "confirmed but no code, retrying"}
		}
		return step{Kind: stepExchange, Notice: "logging in", Code: code}

	default:
		return step{Kind: stepWait}
	}
}
