package escpos

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DefaultLineWidth is the character width of a 58mm roll in normal font
const DefaultLineWidth = 32

var moneyPrinter = message.NewPrinter(language.BrazilianPortuguese)

// Item is one receipt line
type Item struct {
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`

	// WeightKg marks items sold by weight; Price is then the line total
	WeightKg float64 `json:"weightKg,omitempty"`
}

// ReceiptOptions shapes the header and footer of a receipt
type ReceiptOptions struct {
	Title     string   `json:"title,omitempty"`
	Header    []string `json:"header,omitempty"`
	Footer    []string `json:"footer,omitempty"`
	LineWidth int      `json:"lineWidth,omitempty"`
}

// FormatMoney renders a BRL amount with two decimals, e.g. "R$ 1.234,50"
func FormatMoney(v float64) string {
	return moneyPrinter.Sprintf("R$ %.2f", v)
}

// FormatWeight renders kilograms with three decimals, e.g. "0,750 kg"
func FormatWeight(kg float64) string {
	return moneyPrinter.Sprintf("%.3f kg", kg)
}

// Receipt composes the jobs for a sale: header, divider, one job per item,
// the total right-aligned in bold and a footer that cuts the paper.
func Receipt(items []Item, total float64, opts ReceiptOptions) []Job {
	width := opts.LineWidth
	if width <= 0 {
		width = DefaultLineWidth
	}

	title := opts.Title
	if title == "" {
		title = "BoraCumê"
	}

	jobs := []Job{{Text: title, Align: AlignCenter, FontSize: FontLarge, Bold: true}}
	for _, line := range opts.Header {
		jobs = append(jobs, Job{Text: line, Align: AlignCenter})
	}
	jobs = append(jobs, Job{Text: strings.Repeat("-", width)})

	for _, it := range items {
		jobs = append(jobs, Job{Text: itemLine(it, width)})
	}

	jobs = append(jobs,
		Job{Text: strings.Repeat("-", width)},
		Job{Text: "TOTAL " + FormatMoney(total), Align: AlignRight, Bold: true},
	)

	footer := opts.Footer
	if len(footer) == 0 {
		footer = []string{"Obrigado pela preferência!"}
	}
	for i, line := range footer {
		jobs = append(jobs, Job{Text: line, Align: AlignCenter, CutPaper: i == len(footer)-1})
	}

	return jobs
}

func itemLine(it Item, width int) string {
	var left string
	switch {
	case it.WeightKg > 0:
		left = FormatWeight(it.WeightKg) + " " + it.Name
	case it.Quantity > 0:
		left = formatQuantity(it.Quantity) + "x " + it.Name
	default:
		left = it.Name
	}
	right := FormatMoney(it.Price)

	pad := width - utf8.RuneCountInString(left) - utf8.RuneCountInString(right)
	if pad < 1 {
		// too long for one line, price goes on its own right-padded line
		return left + "\n" + strings.Repeat(" ", max(width-utf8.RuneCountInString(right), 0)) + right
	}

	return left + strings.Repeat(" ", pad) + right
}

func formatQuantity(q float64) string {
	return strings.Replace(strconv.FormatFloat(q, 'f', -1, 64), ".", ",", 1)
}
