package escpos

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatMoney(t *testing.T) {
	assert.Equal(t, "R$ 25,00", FormatMoney(25))
	assert.Equal(t, "R$ 1.234,50", FormatMoney(1234.5))
	assert.Equal(t, "R$ 0,99", FormatMoney(0.99))
}

func TestFormatWeight(t *testing.T) {
	assert.Equal(t, "0,750 kg", FormatWeight(0.75))
}

func TestReceiptLayout(t *testing.T) {
	items := []Item{
		{Name: "X-Burger", Quantity: 2, Price: 50},
		{Name: "Self-service", WeightKg: 0.75, Price: 44.92},
	}

	jobs := Receipt(items, 94.92, ReceiptOptions{Title: "Restaurante Sabor", Header: []string{"CNPJ 00.000.000/0001-00"}})
	require.Len(t, jobs, 8)

	assert.Equal(t, Job{Text: "Restaurante Sabor", Align: AlignCenter, FontSize: FontLarge, Bold: true}, jobs[0])
	assert.Equal(t, AlignCenter, jobs[1].Align)
	assert.Equal(t, strings.Repeat("-", DefaultLineWidth), jobs[2].Text)

	assert.True(t, strings.HasPrefix(jobs[3].Text, "2x X-Burger"))
	assert.True(t, strings.HasSuffix(jobs[3].Text, "R$ 50,00"))
	assert.Equal(t, DefaultLineWidth, utf8.RuneCountInString(jobs[3].Text))
	assert.True(t, strings.HasPrefix(jobs[4].Text, "0,750 kg Self-service"))

	total := jobs[6]
	assert.Equal(t, "TOTAL R$ 94,92", total.Text)
	assert.Equal(t, AlignRight, total.Align)
	assert.True(t, total.Bold)

	footer := jobs[7]
	assert.True(t, footer.CutPaper)
	for _, j := range jobs[:7] {
		assert.False(t, j.CutPaper)
	}
}

func TestReceiptWrapsLongItems(t *testing.T) {
	jobs := Receipt([]Item{{Name: strings.Repeat("Feijoada completa ", 3), Quantity: 1, Price: 89.9}}, 89.9, ReceiptOptions{})

	lines := strings.Split(jobs[2].Text, "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, DefaultLineWidth, utf8.RuneCountInString(lines[1]))
	assert.True(t, strings.HasSuffix(lines[1], "R$ 89,90"))
}
