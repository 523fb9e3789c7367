// Package invoice renders order invoices as PDF.
package invoice

import (
	"bytes"
	"fmt"

	"github.com/phpdave11/gofpdf"
	"github.com/skip2/go-qrcode"

	"mercado/models"
)

type Generator struct {
	appURL string
}

func NewGenerator(appURL string) *Generator {
	return &Generator{appURL: appURL}
}

// OrderURL is the link encoded in the invoice QR code.
func (g *Generator) OrderURL(orderID int64) string {
	return fmt.Sprintf("%s/orders/%d", g.appURL, orderID)
}

// Generate returns the invoice for order as PDF bytes. balance is the
// customer's balance after payment.
func (g *Generator) Generate(order *models.Order, customer *models.User, balance models.Money) ([]byte, error) {
	qrPNG, err := qrcode.Encode(g.OrderURL(order.ID), qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("generate QR code: %w", err)
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 18)
	pdf.Cell(0, 10, "Invoice")
	pdf.Ln(12)

	pdf.SetFont("Arial", "", 11)
	pdf.Cell(0, 7, fmt.Sprintf("Order #%d", order.ID))
	pdf.Ln(6)
	pdf.Cell(0, 7, "Date: "+order.CreatedAt.Format("2006-01-02 15:04"))
	pdf.Ln(6)
	if customer != nil {
		pdf.Cell(0, 7, tr(fmt.Sprintf("Customer: %s <%s>", customer.Name, customer.Email)))
		pdf.Ln(6)
	}
	pdf.Cell(0, 7, "Status: "+string(order.Status))
	pdf.Ln(10)

	imageOpts := gofpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("qr", imageOpts, bytes.NewReader(qrPNG))
	pdf.ImageOptions("qr", 160, 15, 35, 35, false, imageOpts, 0, "")

	widths := []float64{90, 25, 35, 35}
	pdf.SetFont("Arial", "B", 11)
	pdf.SetFillColor(35, 47, 62)
	pdf.SetTextColor(255, 255, 255)
	for i, h := range []string{"Product", "Qty", "Unit price", "Subtotal"} {
		pdf.CellFormat(widths[i], 8, h, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(0, 0, 0)
	for _, it := range order.Items {
		pdf.CellFormat(widths[0], 7, tr(it.ProductName), "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[1], 7, fmt.Sprintf("%d", it.Quantity), "1", 0, "C", false, 0, "")
		pdf.CellFormat(widths[2], 7, "$"+it.UnitPrice.String(), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[3], 7, "$"+it.Subtotal().String(), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	pdf.SetFont("Arial", "B", 11)
	pdf.CellFormat(widths[0]+widths[1]+widths[2], 8, "Total", "1", 0, "R", false, 0, "")
	pdf.CellFormat(widths[3], 8, "$"+order.Total.String(), "1", 0, "R", false, 0, "")
	pdf.Ln(12)

	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 7, "Remaining balance: $"+balance.String())

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render invoice: %w", err)
	}
	return buf.Bytes(), nil
}
