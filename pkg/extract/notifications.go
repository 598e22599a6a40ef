package extract

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/bulkfetch/pkg/client"
	"github.com/Sternrassler/bulkfetch/pkg/record"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"golang.org/x/net/html"
)

// NotificationsConfig configures the notification extractor.
type NotificationsConfig struct {
	BaseURL string

	// Types are the notification types to keep.
	Types []string

	// ElementID is the id of the HTML element holding the suggestion.
	ElementID string

	// ContentClass is the class of the suggestion text inside ElementID.
	ContentClass string

	// From and To bound generationTimestamp as [From, To).
	From, To time.Time
}

// DefaultNotificationsConfig returns the settings for the 2025 summer campaign.
func DefaultNotificationsConfig() NotificationsConfig {
	return NotificationsConfig{
		Types:        []string{"MONTHLY_SUMMARY", "BILL_PROJECTION"},
		ElementID:    "TOU_RATE_PROMOTION",
		ContentClass: "content-head",
		From:         time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC),
		To:           time.Date(2025, time.September, 1, 0, 0, 0, 0, time.UTC),
	}
}

var notificationColumns = []string{
	"userId", "notificationType", "notificationId", "generationTimestamp", "Month", "extractedText",
}

var digits = regexp.MustCompile(`\d+`)

// Notifications emits one row per matching notification of a user.
// The suggestion text is scraped from each notification body with a
// secondary call.
type Notifications struct {
	cfg   NotificationsConfig
	types map[string]bool
}

// NewNotifications creates a notification extractor. Unset fields take defaults.
func NewNotifications(cfg NotificationsConfig) *Notifications {
	def := DefaultNotificationsConfig()
	if len(cfg.Types) == 0 {
		cfg.Types = def.Types
	}
	if cfg.ElementID == "" {
		cfg.ElementID = def.ElementID
	}
	if cfg.ContentClass == "" {
		cfg.ContentClass = def.ContentClass
	}
	if cfg.From.IsZero() && cfg.To.IsZero() {
		cfg.From, cfg.To = def.From, def.To
	}

	types := make(map[string]bool, len(cfg.Types))
	for _, t := range cfg.Types {
		types[t] = true
	}
	return &Notifications{cfg: cfg, types: types}
}

func (n *Notifications) Name() string     { return "notifications" }
func (n *Notifications) IDColumn() string { return "userId" }

func (n *Notifications) URL(id string) string {
	return joinURL(n.cfg.BaseURL, "/2.1/utility_notifications/users/"+url.PathEscape(id))
}

func (n *Notifications) detailURL(notificationID string) string {
	return joinURL(n.cfg.BaseURL, "/2.1/utility_notifications/notifications/"+url.PathEscape(notificationID))
}

// inWindow reports whether ts falls in [From, To). A zero bound is open.
func (n *Notifications) inWindow(ts time.Time) bool {
	if !n.cfg.From.IsZero() && ts.Before(n.cfg.From) {
		return false
	}
	if !n.cfg.To.IsZero() && !ts.Before(n.cfg.To) {
		return false
	}
	return true
}

// Extract filters the user's notifications and fetches each match's body.
// A failed secondary call fails the whole entity.
func (n *Notifications) Extract(ctx context.Context, id string, resp *client.Response, get Getter) ([]record.Record, error) {
	if !gjson.ValidBytes(resp.Body) {
		return nil, fmt.Errorf("notifications: malformed JSON for %s", id)
	}

	payload := gjson.GetBytes(resp.Body, "payload")
	if payload.Get("totalCount").Int() <= 0 {
		log.Debug().Str("user_id", id).Msg("User has no notifications")
		return nil, nil
	}

	var rows []record.Record
	for _, item := range payload.Get("notificationsList").Array() {
		typ := item.Get("notificationType").String()
		if !n.types[typ] {
			continue
		}

		tsMillis := item.Get("generationTimestamp").Int()
		generated := time.UnixMilli(tsMillis).UTC()
		if !n.inWindow(generated) {
			continue
		}

		nid := item.Get("notificationId").String()
		if nid == "" {
			continue
		}

		text, err := n.suggestion(ctx, nid, get)
		if err != nil {
			return nil, fmt.Errorf("notification %s: %w", nid, err)
		}

		row := record.New()
		row.Set(notificationColumns[0], id)
		row.Set(notificationColumns[1], typ)
		row.Set(notificationColumns[2], nid)
		row.Set(notificationColumns[3], strconv.FormatInt(tsMillis, 10))
		row.Set(notificationColumns[4], generated.Month().String())
		row.Set(notificationColumns[5], text)
		rows = append(rows, row)
	}

	return rows, nil
}

// suggestion fetches a notification and extracts the promoted amount.
func (n *Notifications) suggestion(ctx context.Context, nid string, get Getter) (string, error) {
	resp, err := get.Get(ctx, n.detailURL(nid), nil)
	if err != nil {
		return "", err
	}
	if !gjson.ValidBytes(resp.Body) {
		return "", errors.New("malformed JSON")
	}

	body := gjson.GetBytes(resp.Body, "payload.notificationBody").String()
	if body == "" {
		return "", nil
	}
	return SuggestionFromHTML(body, n.cfg.ElementID, n.cfg.ContentClass)
}

// SuggestionFromHTML finds the element with elementID, then the first
// descendant carrying class, and returns the first run of digits in its
// text, or the whole text when it has no digits. A missing element yields "".
func SuggestionFromHTML(body, elementID, class string) (string, error) {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse notification body: %w", err)
	}

	container := findNode(doc, func(nd *html.Node) bool { return attr(nd, "id") == elementID })
	if container == nil {
		return "", nil
	}
	var head *html.Node
	for c := container.FirstChild; c != nil && head == nil; c = c.NextSibling {
		head = findNode(c, func(nd *html.Node) bool { return hasClass(nd, class) })
	}
	if head == nil {
		return "", nil
	}

	text := nodeText(head)
	if m := digits.FindString(text); m != "" {
		return m, nil
	}
	return text, nil
}

// findNode walks the tree depth-first and returns the first element matching fn.
func findNode(nd *html.Node, fn func(*html.Node) bool) *html.Node {
	if nd.Type == html.ElementNode && fn(nd) {
		return nd
	}
	for c := nd.FirstChild; c != nil; c = c.NextSibling {
		if found := findNode(c, fn); found != nil {
			return found
		}
	}
	return nil
}

func attr(nd *html.Node, key string) string {
	for _, a := range nd.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(nd *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(nd, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// nodeText concatenates the trimmed text of all descendant text nodes.
func nodeText(nd *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(strings.TrimSpace(n.Data))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(nd)
	return sb.String()
}
