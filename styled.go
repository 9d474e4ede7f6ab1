package main

import (
	"regexp"
	"strings"
)

// TextComponent is one styled run, serialized in the Minecraft JSON text format.
type TextComponent struct {
	Text          string      `json:"text"`
	Color         string      `json:"color,omitempty"`
	Bold          bool        `json:"bold,omitempty"`
	Italic        bool        `json:"italic,omitempty"`
	Underlined    bool        `json:"underlined,omitempty"`
	Strikethrough bool        `json:"strikethrough,omitempty"`
	ClickEvent    *ClickEvent `json:"clickEvent,omitempty"`
	HoverEvent    *HoverEvent `json:"hoverEvent,omitempty"`
}

type ClickEvent struct {
	Action string `json:"action"`
	Value  string `json:"value"`
}

type HoverEvent struct {
	Action   string `json:"action"`
	Contents string `json:"contents"`
}

func hoverText(s string) *HoverEvent {
	return &HoverEvent{Action: "show_text", Contents: s}
}

// StyledMessage is a sequence of styled text runs.
type StyledMessage struct {
	Runs []TextComponent
}

// Plain renders the message without any styling.
func (m StyledMessage) Plain() string {
	var b strings.Builder
	for _, r := range m.Runs {
		b.WriteString(r.Text)
	}
	return b.String()
}

func (m StyledMessage) Components() []TextComponent {
	if m.Runs == nil {
		return []TextComponent{}
	}
	return m.Runs
}

// Prepend returns a copy of m with runs placed in front.
func (m StyledMessage) Prepend(runs ...TextComponent) StyledMessage {
	out := make([]TextComponent, 0, len(runs)+len(m.Runs))
	out = append(out, runs...)
	out = append(out, m.Runs...)
	return StyledMessage{Runs: out}
}

var minecraftColors = map[string]bool{
	"black": true, "dark_blue": true, "dark_green": true, "dark_aqua": true,
	"dark_red": true, "dark_purple": true, "gold": true, "gray": true,
	"dark_gray": true, "blue": true, "green": true, "aqua": true,
	"red": true, "light_purple": true, "yellow": true, "white": true,
}

var (
	leadingColor = regexp.MustCompile(`^&([A-Za-z_]+)&`)
	urlPattern   = regexp.MustCompile(`https?://[^\s<>"]+`)
)

// EncodeStyled turns inline chat markup into a StyledMessage:
// *bold*, _italic_, __underline__, ~strike~, a leading &color& token, and
// bare URLs which become clickable. A backslash escapes the next markup character.
func EncodeStyled(text string) StyledMessage {
	var base TextComponent
	if m := leadingColor.FindStringSubmatch(text); m != nil {
		if color := strings.ToLower(m[1]); minecraftColors[color] {
			base.Color = color
			text = text[len(m[0]):]
		}
	}

	p := &styleParser{src: text, cur: base}
	return StyledMessage{Runs: linkify(p.parse())}
}

type styleParser struct {
	src  string
	cur  TextComponent
	buf  strings.Builder
	runs []TextComponent
}

func (p *styleParser) parse() []TextComponent {
	for i := 0; i < len(p.src); {
		c := p.src[i]
		if c == '\\' && i+1 < len(p.src) && isMarkupByte(p.src[i+1]) {
			p.buf.WriteByte(p.src[i+1])
			i += 2
			continue
		}
		if m := markerAt(p.src, i); m != "" {
			if *p.flag(m) || p.canOpen(i, m) {
				p.flush()
				f := p.flag(m)
				*f = !*f
			} else {
				p.buf.WriteString(m)
			}
			i += len(m)
			continue
		}
		p.buf.WriteByte(c)
		i++
	}
	p.flush()
	return p.runs
}

func (p *styleParser) flag(marker string) *bool {
	switch marker {
	case "*":
		return &p.cur.Bold
	case "_":
		return &p.cur.Italic
	case "__":
		return &p.cur.Underlined
	default:
		return &p.cur.Strikethrough
	}
}

// canOpen reports whether marker at i starts a span: it must begin a word,
// be followed by non-space text, and be closed later in the input. The closer
// is found with the same escape and marker rules parse uses.
func (p *styleParser) canOpen(i int, marker string) bool {
	if i > 0 && isWordByte(p.src[i-1]) {
		return false
	}
	j := i + len(marker)
	if j >= len(p.src) || p.src[j] == ' ' {
		return false
	}
	for k := j; k < len(p.src); {
		if p.src[k] == '\\' && k+1 < len(p.src) && isMarkupByte(p.src[k+1]) {
			k += 2
			continue
		}
		m := markerAt(p.src, k)
		if m == "" {
			k++
			continue
		}
		if m == marker && k > j {
			return true
		}
		k += len(m)
	}
	return false
}

func (p *styleParser) flush() {
	if p.buf.Len() == 0 {
		return
	}
	run := p.cur
	run.Text = p.buf.String()
	p.runs = append(p.runs, run)
	p.buf.Reset()
}

func markerAt(s string, i int) string {
	if strings.HasPrefix(s[i:], "__") {
		return "__"
	}
	switch s[i] {
	case '*', '_', '~':
		return s[i : i+1]
	}
	return ""
}

func isMarkupByte(c byte) bool {
	return c == '*' || c == '_' || c == '~' || c == '&' || c == '\\'
}

func isWordByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// linkify splits URLs out of runs into clickable runs of the same style.
func linkify(runs []TextComponent) []TextComponent {
	out := make([]TextComponent, 0, len(runs))
	for _, r := range runs {
		locs := urlPattern.FindAllStringIndex(r.Text, -1)
		if locs == nil {
			out = append(out, r)
			continue
		}
		last := 0
		for _, loc := range locs {
			if loc[0] > last {
				part := r
				part.Text = r.Text[last:loc[0]]
				out = append(out, part)
			}
			link := r
			link.Text = r.Text[loc[0]:loc[1]]
			link.Underlined = true
			link.ClickEvent = &ClickEvent{Action: "open_url", Value: link.Text}
			link.HoverEvent = hoverText("点击打开链接")
			out = append(out, link)
			last = loc[1]
		}
		if last < len(r.Text) {
			tail := r
			tail.Text = r.Text[last:]
			out = append(out, tail)
		}
	}
	return out
}
