package ui

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Card is a boxed summary panel, printed when a send or pack finishes.
type Card struct {
	title string
	rows  [][2]string
}

func NewCard(title string) *Card {
	return &Card{title: title}
}

// Add appends a label/value row. Returns the card for chaining.
func (c *Card) Add(label, value string) *Card {
	c.rows = append(c.rows, [2]string{label, value})
	return c
}

// Render draws the card with the title embedded in the top border.
func (c *Card) Render() string {
	const width = 58

	labelW := 0
	for _, r := range c.rows {
		if n := len(r[0]); n > labelW {
			labelW = n
		}
	}

	var sb strings.Builder

	title := " " + c.title + " "
	pad := width - 4 - utf8.RuneCountInString(title)
	if pad < 0 {
		pad = 0
	}
	sb.WriteString(Color(Cyan, BoxTopLeft+strings.Repeat(BoxHorizontal, 2)+title+strings.Repeat(BoxHorizontal, pad)+BoxTopRight))
	sb.WriteString("\n")

	for _, r := range c.rows {
		label, value := r[0], r[1]
		value = truncate(value, width-8-labelW)
		fill := width - 6 - labelW - utf8.RuneCountInString(value)
		if fill < 0 {
			fill = 0
		}
		sb.WriteString(Color(Cyan, BoxVertical))
		sb.WriteString(Color(Dim, fmt.Sprintf(" %-*s", labelW+1, label+":")))
		sb.WriteString("  " + value)
		sb.WriteString(strings.Repeat(" ", fill))
		sb.WriteString(Color(Cyan, BoxVertical))
		sb.WriteString("\n")
	}

	sb.WriteString(Color(Cyan, BoxBottomLeft+strings.Repeat(BoxHorizontal, width-2)+BoxBottomRight))
	sb.WriteString("\n")
	return sb.String()
}
