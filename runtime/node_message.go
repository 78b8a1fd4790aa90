package runtime

import (
	"regexp"
	"strings"
	"time"
)

type MessageNodeConfig struct {
	Text            string `json:"text"`
	SplitParagraphs bool   `json:"splitParagraphs"`
	SplitLinks      bool   `json:"splitLinks"`
	// DelayMS overrides the manager's pacing between split parts.
	DelayMS *int `json:"delayMs" validate:"omitempty,gte=0"`
}

type MediaNodeConfig struct {
	URL       string `json:"url" validate:"required"`
	MediaType string `json:"mediaType" validate:"omitempty,oneof=image audio video document"`
	Caption   string `json:"caption"`
	FileName  string `json:"fileName"`
}

var (
	paragraphRe = regexp.MustCompile(`\n[ \t]*\n+`)
	listBlockRe = regexp.MustCompile(`(?s)\[list(?:\s+title="([^"]*)")?(?:\s+button="([^"]*)")?\s*\](.*?)\[/list\]`)
	linkRe      = regexp.MustCompile(`https?://[^\s<>"]+`)
)

func (w *Walker) execMessage(exec *Execution, node *Node) (Outcome, error) {
	cfg, err := decodeNodeConfig[MessageNodeConfig](node)
	if err != nil {
		return Outcome{}, err
	}
	pacing := w.cfg.MessagePacing
	if cfg.DelayMS != nil {
		pacing = time.Duration(*cfg.DelayMS) * time.Millisecond
	}

	parts := splitMessage(exec.Interpolate(cfg.Text), cfg.SplitParagraphs, cfg.SplitLinks)
	for i, part := range parts {
		if i > 0 {
			if err := w.sleep(exec, pacing); err != nil {
				return Outcome{}, err
			}
		}
		if err := w.send(exec, part); err != nil {
			return Outcome{}, err
		}
	}
	return Continue(), nil
}

func (w *Walker) execMedia(exec *Execution, node *Node) (Outcome, error) {
	cfg, err := decodeNodeConfig[MediaNodeConfig](node)
	if err != nil {
		return Outcome{}, err
	}
	mediaType := cfg.MediaType
	if mediaType == "" {
		switch node.Type {
		case "image", "audio", "video":
			mediaType = node.Type
		default:
			mediaType = "document"
		}
	}
	msg := OutboundMessage{
		Attachments: []Attachment{{
			Type:     mediaType,
			URL:      exec.Interpolate(cfg.URL),
			FileName: exec.Interpolate(cfg.FileName),
			Caption:  exec.Interpolate(cfg.Caption),
		}},
	}
	if err := w.send(exec, msg); err != nil {
		return Outcome{}, err
	}
	return Continue(), nil
}

// splitMessage breaks text into the ordered sends it should produce. List
// blocks always become their own structured message.
func splitMessage(text string, paragraphs, links bool) []OutboundMessage {
	var out []OutboundMessage
	addText := func(s string) {
		var chunks []string
		if paragraphs {
			chunks = paragraphRe.Split(s, -1)
		} else {
			chunks = []string{s}
		}
		for _, chunk := range chunks {
			if links {
				for _, piece := range splitLinks(chunk) {
					out = append(out, OutboundMessage{Content: piece})
				}
				continue
			}
			if chunk = strings.TrimSpace(chunk); chunk != "" {
				out = append(out, OutboundMessage{Content: chunk})
			}
		}
	}

	rest := text
	for {
		loc := listBlockRe.FindStringSubmatchIndex(rest)
		if loc == nil {
			break
		}
		addText(rest[:loc[0]])
		out = append(out, listMessage(rest, loc))
		rest = rest[loc[1]:]
	}
	addText(rest)
	return out
}

func listMessage(text string, loc []int) OutboundMessage {
	group := func(i int) string {
		if loc[2*i] < 0 {
			return ""
		}
		return text[loc[2*i]:loc[2*i+1]]
	}
	title, button, body := group(1), group(2), group(3)

	var items []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimSpace(strings.TrimLeft(line, "-*•"))
		if line != "" {
			items = append(items, line)
		}
	}
	return OutboundMessage{
		Content: title,
		Metadata: map[string]any{
			"list": map[string]any{
				"title":  title,
				"button": button,
				"items":  items,
			},
		},
	}
}

// splitLinks isolates each link so channels can render previews.
func splitLinks(s string) []string {
	var out []string
	add := func(p string) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	last := 0
	for _, loc := range linkRe.FindAllStringIndex(s, -1) {
		add(s[last:loc[0]])
		add(s[loc[0]:loc[1]])
		last = loc[1]
	}
	add(s[last:])
	return out
}
