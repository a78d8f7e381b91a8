package bot

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"offerwatch/internal/model"
)

// Telegram rejects messages longer than this many characters.
const maxMessageLength = 4096

const (
	statusActive = "active"
	statusPaused = "paused"
)

// QuotaLine is the quota state of one target as shown in chat.
type QuotaLine struct {
	Unlimited bool
	Used      int
	Remaining int
	PeriodEnd *time.Time
}

// FormatTargetList formats the targets of a chat with their sources.
func FormatTargetList(targets []model.Target, sources map[int64][]model.ScrapingURL) string {
	var b strings.Builder
	b.WriteString("Your targets:\n")
	for _, t := range targets {
		fmt.Fprintf(&b, "\n#%d %s [%s]", t.ID, t.Name, status(t.IsActive))
		if !t.EnableNotifications {
			b.WriteString(" (muted)")
		}
		b.WriteString("\n")
		urls := sources[t.ID]
		if len(urls) == 0 {
			b.WriteString("   no sources\n")
			continue
		}
		for _, u := range urls {
			name := u.Name
			if name == "" {
				name = u.URL
			}
			fmt.Fprintf(&b, "   %s [%s, %s]", name, u.Kind, status(u.IsActive))
			if u.Filters != nil {
				fmt.Fprintf(&b, " %d filter group(s)", len(u.Filters.RuleGroups))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// FormatQuota formats the quota state of each target.
func FormatQuota(targets []model.Target, lines map[int64]QuotaLine) string {
	var b strings.Builder
	b.WriteString("Offer quotas:\n")
	for _, t := range targets {
		l, ok := lines[t.ID]
		switch {
		case !ok:
			fmt.Fprintf(&b, "\n#%d %s: unavailable\n", t.ID, t.Name)
		case l.Unlimited:
			fmt.Fprintf(&b, "\n#%d %s: unlimited (%d used)\n", t.ID, t.Name, l.Used)
		default:
			fmt.Fprintf(&b, "\n#%d %s: %d used, %d left\n", t.ID, t.Name, l.Used, l.Remaining)
		}
		if ok && l.PeriodEnd != nil {
			fmt.Fprintf(&b, "   period ends %s\n", l.PeriodEnd.UTC().Format("2006-01-02 15:04 UTC"))
		}
	}
	return b.String()
}

func status(active bool) string {
	if active {
		return statusActive
	}
	return statusPaused
}

// SplitMessage cuts text into parts of at most limit characters, breaking
// after a newline when one is available. Lines longer than limit are cut
// hard.
func SplitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var parts []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > 0; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		parts = append(parts, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
