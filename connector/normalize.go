package connector

import (
	"regexp"
	"strings"
)

// appSynonyms collapses common aliases for the same app to one canonical ID.
// Planner output and user-authored workflows both go through this, so a plan
// that says "Google Sheets" and a connector file that says "sheets" meet in
// the middle.
var appSynonyms = map[string]string{
	"google-sheets":   "sheets",
	"googlesheets":    "sheets",
	"gsheets":         "sheets",
	"sheet":           "sheets",
	"spreadsheet":     "sheets",
	"google-drive":    "drive",
	"googledrive":     "drive",
	"gdrive":          "drive",
	"google-calendar": "calendar",
	"googlecalendar":  "calendar",
	"gcal":            "calendar",
	"google-mail":     "gmail",
	"googlemail":      "gmail",
	"google-docs":     "docs",
	"googledocs":      "docs",
	"gdocs":           "docs",
	"e-mail":          "email",
	"mail":            "email",
	"github.com":      "github",
	"ms-teams":        "teams",
	"microsoft-teams": "teams",
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9-]+`)
var dashRuns = regexp.MustCompile(`-{2,}`)

// NormalizeAppID lowercases and hyphenates an app identifier and collapses
// known synonyms. "core" is always a valid app ID.
func NormalizeAppID(appID string) string {
	s := strings.ToLower(strings.TrimSpace(appID))
	s = strings.ReplaceAll(s, " ", "-")
	s = strings.ReplaceAll(s, "_", "-")
	s = nonSlugChars.ReplaceAllString(s, "")
	s = dashRuns.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")

	if canonical, ok := appSynonyms[s]; ok {
		return canonical
	}
	return s
}

// NormalizeNodeType normalizes the app segment of a node type while
// preserving the role prefix and operation.
func NormalizeNodeType(nodeType string) string {
	role := ""
	rest := nodeType
	if i := strings.IndexByte(nodeType, '.'); i >= 0 && !strings.Contains(nodeType[:i], ":") {
		role, rest = nodeType[:i+1], nodeType[i+1:]
	}
	app, op, ok := strings.Cut(rest, ":")
	if !ok {
		return role + NormalizeAppID(rest)
	}
	return role + NormalizeAppID(app) + ":" + op
}
