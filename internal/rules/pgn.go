package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/park285/cheese-lobby/internal/domain"
)

// PGNHeader carries the tag pairs written before the movetext.
type PGNHeader struct {
	Event       string
	Site        string
	Date        time.Time
	White       string
	Black       string
	TimeControl domain.TimeControl
	Outcome     *domain.Outcome
}

// Movetext encodes the game as PGN with numbered SAN moves and [%clk] comments.
func Movetext(h PGNHeader, data GameData) string {
	var b strings.Builder
	date := h.Date
	if date.IsZero() {
		date = time.Now()
	}
	event := h.Event
	if event == "" {
		event = "Casual game"
	}
	site := h.Site
	if site == "" {
		site = "cheese-lobby"
	}
	result := h.Outcome.PGN()

	fmt.Fprintf(&b, "[Event \"%s\"]\n", sanitizePGN(event))
	fmt.Fprintf(&b, "[Site \"%s\"]\n", sanitizePGN(site))
	fmt.Fprintf(&b, "[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day())
	fmt.Fprintf(&b, "[White \"%s\"]\n", sanitizePGN(h.White))
	fmt.Fprintf(&b, "[Black \"%s\"]\n", sanitizePGN(h.Black))
	fmt.Fprintf(&b, "[TimeControl \"%d+%d\"]\n", h.TimeControl.InitialMs/1000, h.TimeControl.IncrementMs/1000)
	if data.StartFEN != "" {
		b.WriteString("[SetUp \"1\"]\n")
		fmt.Fprintf(&b, "[FEN \"%s\"]\n", sanitizePGN(data.StartFEN))
	}
	if h.Outcome != nil && h.Outcome.By != "" {
		fmt.Fprintf(&b, "[Termination \"%s\"]\n", sanitizePGN(h.Outcome.By))
	}
	fmt.Fprintf(&b, "[Result \"%s\"]\n\n", result)

	// a position with black to move starts numbering with "N..."
	blackFirst := data.StartFEN != "" && strings.Contains(data.StartFEN, " b ")
	offset := 0
	if blackFirst {
		offset = 1
	}
	for i, san := range data.MovesSAN {
		idx := i + offset
		switch {
		case idx%2 == 0:
			fmt.Fprintf(&b, "%d. ", idx/2+1)
		case i == 0:
			fmt.Fprintf(&b, "%d... ", idx/2+1)
		}
		b.WriteString(strings.TrimSpace(san))
		if i < len(data.ClocksMs) {
			fmt.Fprintf(&b, " {[%%clk %s]}", formatClk(data.ClocksMs[i]))
		}
		b.WriteString(" ")
	}
	b.WriteString(result)
	return b.String()
}

func formatClk(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	d := time.Duration(ms) * time.Millisecond
	h := int(d / time.Hour)
	m := int(d%time.Hour) / int(time.Minute)
	s := int(d%time.Minute) / int(time.Second)
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
