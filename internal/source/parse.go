package source

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/proxy-watch/internal/config"
	"github.com/proxy-watch/internal/types"
)

// parseText reads one candidate per line. Blank lines and lines starting
// with # or // are skipped; everything else goes to the normalizer as is.
func parseText(r io.Reader, protocol types.Protocol) ([]Candidate, error) {
	candidates := make([]Candidate, 0)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		candidates = append(candidates, Candidate{Raw: line, Protocol: protocol})
	}

	if err := scanner.Err(); err != nil {
		return candidates, fmt.Errorf("scan: %w", err)
	}

	return candidates, nil
}

// flexString accepts a JSON string or number
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type feedItem struct {
	IP       string     `json:"ip"`
	Port     flexString `json:"port"`
	Protocol string     `json:"protocol"`
	Country  string     `json:"country"`
	Ping     flexString `json:"ping"`
}

// parseJSON reads a feed that is either an array of items or an object
// wrapping the array under "data" or "proxies".
func parseJSON(r io.Reader, protocol types.Protocol) ([]Candidate, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	var items []feedItem
	if err := json.Unmarshal(body, &items); err != nil {
		var wrapped struct {
			Data    []feedItem `json:"data"`
			Proxies []feedItem `json:"proxies"`
		}
		if werr := json.Unmarshal(body, &wrapped); werr != nil {
			return nil, fmt.Errorf("decode feed: %w", err)
		}
		items = append(wrapped.Data, wrapped.Proxies...)
	}

	candidates := make([]Candidate, 0, len(items))
	for _, item := range items {
		c := Candidate{
			Raw:      net.JoinHostPort(strings.TrimSpace(item.IP), strings.TrimSpace(string(item.Port))),
			Protocol: protocol,
			Country:  strings.ToUpper(strings.TrimSpace(item.Country)),
		}
		if p, ok := types.ParseProtocol(item.Protocol); ok {
			c.Protocol = p
		}
		if ping, err := strconv.ParseFloat(strings.TrimSpace(string(item.Ping)), 64); err == nil {
			c.Ping = ping
		}
		candidates = append(candidates, c)
	}

	return candidates, nil
}

// parseHTML extracts candidates from table rows. Column indexes are 1-based;
// a zero country column means the page has none.
func parseHTML(r io.Reader, sel *config.HTMLSelector, protocol types.Protocol) ([]Candidate, error) {
	if sel == nil {
		return nil, fmt.Errorf("html source without selector")
	}

	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	candidates := make([]Candidate, 0)
	doc.Find(sel.Row).Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		ip := cellText(cells, sel.IPColumn)
		port := cellText(cells, sel.PortColumn)
		if ip == "" || port == "" {
			return
		}

		c := Candidate{
			Raw:      net.JoinHostPort(ip, port),
			Protocol: protocol,
		}
		if sel.CountryColumn > 0 {
			c.Country = strings.ToUpper(cellText(cells, sel.CountryColumn))
		}
		candidates = append(candidates, c)
	})

	return candidates, nil
}

func cellText(cells *goquery.Selection, column int) string {
	if column < 1 || column > cells.Length() {
		return ""
	}
	return strings.TrimSpace(cells.Eq(column - 1).Text())
}
