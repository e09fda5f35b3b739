// Package ui renders reconciliation results for the command line.
package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/felixgeelhaar/medmem/internal/clinical"
	"github.com/felixgeelhaar/medmem/internal/ledger"
	"github.com/felixgeelhaar/medmem/internal/reconcile"
)

type UI interface {
	Decision(resp reconcile.DecideResponse)
	Recorded(res reconcile.RecordResult)
	Records(title string, recs []ledger.FactRecord)
	Info(msg string)
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFA500"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))
)

var actionStyles = map[string]lipgloss.Style{
	"APPEND": lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5DA9E9")),
	"UPDATE": lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFA500")),
	"MERGE":  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#04B575")),
}

// Styled writes human-readable, colored output.
type Styled struct {
	out io.Writer
}

func NewStyled(out io.Writer) *Styled {
	return &Styled{out: out}
}

func (s *Styled) Decision(resp reconcile.DecideResponse) {
	if !resp.Success {
		msg := resp.Error
		if resp.Field != "" {
			msg = resp.Field + ": " + msg
		}
		fmt.Fprintln(s.out, errorStyle.Render("invalid entry: "+msg))
		return
	}
	fmt.Fprintf(s.out, "%s  confidence %.3f%s\n",
		action(resp.Action), resp.Confidence, riskTag(resp.HighRisk))
	if resp.Warning != "" {
		fmt.Fprintln(s.out, warnStyle.Render("! "+resp.Warning))
	}
	fmt.Fprintln(s.out, mutedStyle.Render("policy "+resp.PolicyVersion))
}

func (s *Styled) Recorded(res reconcile.RecordResult) {
	rec := res.Record
	if res.Deduplicated {
		fmt.Fprintln(s.out, infoStyle.Render("already recorded"))
	} else {
		fmt.Fprintf(s.out, "%s  confidence %.3f%s\n", action(string(res.Decision.Kind)), res.Decision.Confidence, riskTag(res.Decision.HighRisk))
	}
	fmt.Fprintf(s.out, "%s @ v%d  %s\n", rec.Key, rec.Version, validRange(rec))
	if w := res.Decision.Warning; w != nil && !res.Deduplicated {
		fmt.Fprintln(s.out, warnStyle.Render("! "+w.String()))
	}
	if res.Attempts > 1 {
		fmt.Fprintln(s.out, mutedStyle.Render(fmt.Sprintf("committed after %d attempts", res.Attempts)))
	}
}

func (s *Styled) Records(title string, recs []ledger.FactRecord) {
	fmt.Fprintln(s.out, titleStyle.Render(title))
	if len(recs) == 0 {
		fmt.Fprintln(s.out, mutedStyle.Render("(none)"))
		return
	}
	for _, r := range recs {
		line := fmt.Sprintf("v%-3d %-7s %-22s %s  %s",
			r.Version, r.DecisionKind, validRange(r), r.CommitTS.Format(time.RFC3339), payload(r.Payload))
		switch {
		case r.ExpireAt != nil:
			fmt.Fprintln(s.out, errorStyle.Render(line+"  retracted: "+r.RetractReason))
		case r.SupersededBy != nil:
			fmt.Fprintln(s.out, mutedStyle.Render(line+"  -> "+r.SupersededBy.String()))
		default:
			fmt.Fprintln(s.out, line)
		}
	}
}

func (s *Styled) Info(msg string) {
	fmt.Fprintln(s.out, infoStyle.Render(msg))
}

func action(a string) string {
	if st, ok := actionStyles[a]; ok {
		return st.Render(a)
	}
	return a
}

func riskTag(high bool) string {
	if !high {
		return ""
	}
	return "  " + warnStyle.Render("[high risk]")
}

func validRange(r ledger.FactRecord) string {
	end := "ongoing"
	if r.ValidTo != nil {
		end = r.ValidTo.Format("2006-01-02")
	}
	return r.ValidFrom.Format("2006-01-02") + ".." + end
}

func payload(attrs []clinical.Attribute) string {
	parts := make([]string, 0, len(attrs))
	for _, a := range attrs {
		parts = append(parts, a.Name+"="+a.String())
	}
	return strings.Join(parts, " ")
}

// JSON writes one indented JSON document per result.
type JSON struct {
	out io.Writer
}

func NewJSON(out io.Writer) *JSON {
	return &JSON{out: out}
}

func (j *JSON) write(v any) {
	enc := json.NewEncoder(j.out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func (j *JSON) Decision(resp reconcile.DecideResponse) { j.write(resp) }
func (j *JSON) Recorded(res reconcile.RecordResult)    { j.write(res) }
func (j *JSON) Records(_ string, recs []ledger.FactRecord) {
	if recs == nil {
		recs = []ledger.FactRecord{}
	}
	j.write(recs)
}
func (j *JSON) Info(msg string) { j.write(map[string]string{"message": msg}) }

type SilentUI struct{}

func (SilentUI) Decision(reconcile.DecideResponse)   {}
func (SilentUI) Recorded(reconcile.RecordResult)     {}
func (SilentUI) Records(string, []ledger.FactRecord) {}
func (SilentUI) Info(string)                         {}
