package notifier

import (
	"fmt"
	"html"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/proxy-watch/internal/aggregator"
	"github.com/proxy-watch/internal/snapshot"
)

// Digest is everything a run reports
type Digest struct {
	Title   string
	Time    time.Time
	Summary *aggregator.Summary
	New     map[string][]snapshot.Entry
	Stable  map[string][]snapshot.Entry

	// Targets are listed first, in this order
	Targets []string

	// MaxPerCategory caps the entries shown per category, 0 shows all
	MaxPerCategory int
}

// Format renders the digest as Telegram-flavoured HTML
func (d Digest) Format() string {
	var b strings.Builder

	fmt.Fprintf(&b, "<b>%s</b>", html.EscapeString(d.Title))
	if !d.Time.IsZero() {
		fmt.Fprintf(&b, " %s", d.Time.UTC().Format("2006-01-02 15:04 UTC"))
	}
	b.WriteString("\n")

	if s := d.Summary; s != nil {
		avg := "n/a"
		if s.Latency != nil {
			avg = fmt.Sprintf("%.0f ms", s.Latency.AvgMs)
		}
		fmt.Fprintf(&b, "Tested %d, ok %d, failed %d, avg %s\n", s.Total, s.Succeeded, s.Failed, avg)
	}

	d.writeSection(&b, "New", d.New)
	d.writeSection(&b, "Stable", d.Stable)

	return strings.TrimRight(b.String(), "\n")
}

func (d Digest) writeSection(b *strings.Builder, name string, partition map[string][]snapshot.Entry) {
	categories := d.order(partition)
	if len(categories) == 0 {
		return
	}

	fmt.Fprintf(b, "\n<b>%s</b>\n", name)
	for _, category := range categories {
		entries := make([]snapshot.Entry, len(partition[category]))
		copy(entries, partition[category])
		sort.SliceStable(entries, func(i, j int) bool {
			if entries[i].Ping != entries[j].Ping {
				return entries[i].Ping < entries[j].Ping
			}
			return entries[i].Key() < entries[j].Key()
		})

		fmt.Fprintf(b, "<b>%s</b> (%d)\n", html.EscapeString(category), len(entries))

		shown := entries
		if d.MaxPerCategory > 0 && len(shown) > d.MaxPerCategory {
			shown = shown[:d.MaxPerCategory]
		}
		for _, e := range shown {
			b.WriteString(formatEntry(e))
			b.WriteString("\n")
		}
		if hidden := len(entries) - len(shown); hidden > 0 {
			fmt.Fprintf(b, "… and %d more\n", hidden)
		}
	}
}

// order lists non-empty categories: targets first, then the rest sorted
func (d Digest) order(partition map[string][]snapshot.Entry) []string {
	var categories []string
	listed := make(map[string]bool)
	for _, t := range d.Targets {
		if len(partition[t]) > 0 && !listed[t] {
			categories = append(categories, t)
			listed[t] = true
		}
	}

	var rest []string
	for c, entries := range partition {
		if len(entries) > 0 && !listed[c] {
			rest = append(rest, c)
		}
	}
	sort.Strings(rest)
	return append(categories, rest...)
}

func formatEntry(e snapshot.Entry) string {
	ping := ""
	if e.Ping > 0 {
		ping = fmt.Sprintf(" %.0f ms", e.Ping)
	}

	if strings.EqualFold(e.Protocol, "socks5") {
		host, port := e.IP, strconv.Itoa(e.Port)
		if h, p, err := net.SplitHostPort(e.IPPort); err == nil {
			host, port = h, p
		}
		link := "tg://socks?server=" + host + "&port=" + port
		return fmt.Sprintf(`<a href="%s">%s</a>%s`, html.EscapeString(link), html.EscapeString(e.IPPort), ping)
	}

	label := e.IPPort
	if e.Protocol != "" {
		label = e.Protocol + "://" + e.IPPort
	}
	return "<code>" + html.EscapeString(label) + "</code>" + ping
}
