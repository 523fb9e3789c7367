package mailer

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"mercado/models"
)

const layout = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body style="font-family: Arial, sans-serif; background: #f4f4f4; padding: 24px;">
<div style="max-width: 600px; margin: 0 auto; background: #ffffff; padding: 24px; border-radius: 8px;">
<h2 style="color: #232f3e;">{{.Title}}</h2>
{{template "body" .}}
<p style="color: #888; font-size: 12px; margin-top: 32px;">Mercado</p>
</div></body></html>`

var bodies = map[string]string{
	"email-verification": `<p>Hi {{.Name}},</p>
<p>Confirm your email address to finish setting up your account.</p>
<p><a href="{{.Link}}" style="background:#ff9900;color:#fff;padding:10px 20px;text-decoration:none;border-radius:4px;">Verify email</a></p>
<p>The link is valid for 24 hours.</p>`,

	"login-code": `<p>Hi {{.Name}},</p>
<p>Your sign-in code is:</p>
<p style="font-size: 28px; letter-spacing: 6px; font-weight: bold;">{{.Code}}</p>
<p>It expires in {{.Minutes}} minutes. If you did not try to sign in, change your password.</p>`,

	"order-verification": `<p>Hi {{.Name}},</p>
<p>Please confirm the payment for order #{{.Order.ID}}.</p>
<table style="width:100%; border-collapse: collapse;">
<tr><th align="left">Product</th><th>Qty</th><th align="right">Price</th><th align="right">Subtotal</th></tr>
{{range .Order.Items}}<tr><td>{{.ProductName}}</td><td align="center">{{.Quantity}}</td><td align="right">${{.UnitPrice}}</td><td align="right">${{.Subtotal}}</td></tr>
{{end}}</table>
<p><strong>Total: ${{.Order.Total}}</strong></p>
<p><a href="{{.Link}}">Confirm payment</a></p>
<p><a href="{{.RememberLink}}">Confirm and trust this device for future payments</a></p>
<p>The order is cancelled automatically if it is not confirmed within {{.Minutes}} minutes.</p>`,

	"order-completed": `<p>Hi {{.Name}},</p>
<p>Your order #{{.Order.ID}} placed on {{.Date}} is paid.</p>
<p>Total charged: ${{.Order.Total}}<br>Remaining balance: ${{.Balance}}</p>
<p>The invoice is attached.</p>`,

	"products-out-of-stock": `<p>Hi {{.Name}},</p>
<p>{{if eq (len .Removed) 1}}The following product in your cart sold out and was removed:{{else}}The following products in your cart sold out and were removed:{{end}}</p>
<table style="width:100%; border-collapse: collapse;">
<tr><th align="left">Product</th><th>Qty</th></tr>
{{range .Removed}}<tr><td>{{.ProductName}}</td><td align="center">{{.Quantity}}</td></tr>
{{end}}</table>
<p><a href="{{.Link}}">Browse available products</a></p>`,

	"balance-added": `<p>Hi {{.Name}},</p>
<p>${{.Amount}} was added to your account. Your balance is now <strong>${{.Balance}}</strong>.</p>
{{if .Suggestions}}<h3>You might be interested in</h3><ul>
{{range .Suggestions}}<li>{{.Name}} - ${{.Price}} ({{.Stock}} in stock)</li>
{{end}}</ul>{{end}}
<p style="font-size: 12px;"><a href="{{.Link}}">Stop balance notifications</a></p>`,
}

var templates = func() map[string]*template.Template {
	out := make(map[string]*template.Template, len(bodies))
	for name, body := range bodies {
		t := template.Must(template.New(name).Parse(layout))
		out[name] = template.Must(t.New("body").Parse(body))
	}
	return out
}()

func render(name, title string, data map[string]any) (string, error) {
	t, ok := templates[name]
	if !ok {
		return "", fmt.Errorf("unknown email template %q", name)
	}
	data["Title"] = title
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

func EmailVerification(to, name, link string) (Message, error) {
	subject := "Verify your email"
	html, err := render("email-verification", subject, map[string]any{"Name": name, "Link": link})
	text := fmt.Sprintf("Hi %s,\n\nConfirm your email address: %s\n", name, link)
	return Message{To: to, Subject: subject, HTML: html, Text: text, Priority: PriorityHigh}, err
}

func LoginCode(to, name, code string, ttl time.Duration) (Message, error) {
	subject := "Your sign-in code"
	minutes := int(ttl.Minutes())
	html, err := render("login-code", subject, map[string]any{"Name": name, "Code": code, "Minutes": minutes})
	text := fmt.Sprintf("Hi %s,\n\nYour sign-in code is %s. It expires in %d minutes.\n", name, code, minutes)
	return Message{To: to, Subject: subject, HTML: html, Text: text, Priority: PriorityHigh}, err
}

func OrderVerification(to, name string, order *models.Order, link, rememberLink string, window time.Duration) (Message, error) {
	subject := fmt.Sprintf("Verify payment for order #%d", order.ID)
	minutes := int(window.Minutes())
	html, err := render("order-verification", subject, map[string]any{
		"Name":         name,
		"Order":        order,
		"Link":         link,
		"RememberLink": rememberLink,
		"Minutes":      minutes,
	})
	var lines strings.Builder
	for _, it := range order.Items {
		fmt.Fprintf(&lines, "  - %s x%d: $%s\n", it.ProductName, it.Quantity, it.Subtotal())
	}
	text := fmt.Sprintf("Hi %s,\n\nConfirm the payment for order #%d:\n%s\nTotal: $%s\n\nConfirm: %s\nConfirm and trust this device: %s\n\nUnconfirmed orders are cancelled after %d minutes.\n",
		name, order.ID, lines.String(), order.Total, link, rememberLink, minutes)
	return Message{To: to, Subject: subject, HTML: html, Text: text, Priority: PriorityHigh}, err
}

func OrderCompleted(to, name string, order *models.Order, balance models.Money, invoice []byte) (Message, error) {
	subject := fmt.Sprintf("Order #%d confirmed", order.ID)
	date := order.CreatedAt.Format("January 2, 2006")
	html, err := render("order-completed", subject, map[string]any{
		"Name":    name,
		"Order":   order,
		"Date":    date,
		"Balance": balance,
	})
	text := fmt.Sprintf("Hi %s,\n\nYour order #%d placed on %s is paid.\nTotal charged: $%s\nRemaining balance: $%s\n",
		name, order.ID, date, order.Total, balance)
	msg := Message{To: to, Subject: subject, HTML: html, Text: text}
	if len(invoice) > 0 {
		msg.Attachments = []Attachment{{
			Filename:    fmt.Sprintf("invoice-%d.pdf", order.ID),
			ContentType: "application/pdf",
			Content:     invoice,
		}}
	}
	return msg, err
}

// RemovedProduct is a cart line dropped because the product sold out.
type RemovedProduct struct {
	ProductID   int64
	ProductName string
	Quantity    int
}

func ProductsOutOfStock(to, name string, removed []RemovedProduct, productsURL string) (Message, error) {
	subject := fmt.Sprintf("%d products in your cart sold out", len(removed))
	if len(removed) == 1 {
		subject = "Sold out: " + removed[0].ProductName
	}
	html, err := render("products-out-of-stock", subject, map[string]any{"Name": name, "Removed": removed, "Link": productsURL})
	var lines strings.Builder
	for _, p := range removed {
		fmt.Fprintf(&lines, "  - %s (%d units)\n", p.ProductName, p.Quantity)
	}
	text := fmt.Sprintf("Hi %s,\n\nThese items in your cart sold out and were removed:\n\n%s\nBrowse available products: %s\n", name, lines.String(), productsURL)
	return Message{To: to, Subject: subject, HTML: html, Text: text}, err
}

func BalanceAdded(to, name string, amount, balance models.Money, suggestions []models.Product, unsubscribeLink string) (Message, error) {
	subject := "Funds added to your account"
	html, err := render("balance-added", subject, map[string]any{
		"Name":        name,
		"Amount":      amount,
		"Balance":     balance,
		"Suggestions": suggestions,
		"Link":        unsubscribeLink,
	})
	text := fmt.Sprintf("Hi %s,\n\n$%s was added to your account. Your balance is now $%s.\n\nStop these notifications: %s\n",
		name, amount, balance, unsubscribeLink)
	return Message{To: to, Subject: subject, HTML: html, Text: text}, err
}
