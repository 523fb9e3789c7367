package mailer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercado/models"
	"mercado/mq"
)

type fakeSender struct {
	sent []Message
	err  error
}

func (f *fakeSender) Deliver(ctx context.Context, msg Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func newQueue(t *testing.T) *mq.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	conn := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { conn.Close() })
	return mq.NewQueue(conn, QueueName)
}

func TestSendQueuesAndWorkerDelivers(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	sender := &fakeSender{}
	w := mq.NewWorker(q, mq.WorkerOptions{})
	w.Handle(JobType, Handler(sender))

	msg := Message{
		To:          "ana@example.com",
		Subject:     "Hello",
		HTML:        "<p>hi</p>",
		Text:        "hi",
		Attachments: []Attachment{{Filename: "a.pdf", ContentType: "application/pdf", Content: []byte("%PDF-1.3")}},
	}
	require.NoError(t, NewQueue(q).Send(ctx, msg))

	ok, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "ana@example.com", sender.sent[0].To)
	assert.Equal(t, PriorityNormal, sender.sent[0].Priority)
	assert.Equal(t, []byte("%PDF-1.3"), sender.sent[0].Attachments[0].Content)
}

func TestSendRejectsMessageWithoutRecipient(t *testing.T) {
	q := newQueue(t)
	err := NewQueue(q).Send(context.Background(), Message{Subject: "x"})
	assert.Error(t, err)
	size, _ := q.Size(context.Background())
	assert.Zero(t, size)
}

func TestDeliveryFailureIsRetried(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	w := mq.NewWorker(q, mq.WorkerOptions{Backoff: time.Hour})
	w.Handle(JobType, Handler(&fakeSender{err: errors.New("connection refused")}))

	require.NoError(t, NewQueue(q).Send(ctx, Message{To: "ana@example.com", Subject: "Hello"}))
	w.ProcessNext(ctx)

	size, _ := q.Size(ctx)
	assert.Equal(t, int64(1), size)
}

func TestComposeBuildsMultipartMessage(t *testing.T) {
	var captured []byte
	var rcpt []string
	s := NewSMTPSender(SMTPConfig{Host: "smtp.example.com", Port: 587, From: "shop@example.com"})
	s.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		assert.Equal(t, "smtp.example.com:587", addr)
		assert.Nil(t, a)
		rcpt = to
		captured = msg
		return nil
	}

	err := s.Deliver(context.Background(), Message{
		To:          "ana@example.com",
		Subject:     "Pedido confirmado",
		HTML:        "<p>Paid</p>",
		Text:        "Paid",
		Attachments: []Attachment{{Filename: "invoice-1.pdf", ContentType: "application/pdf", Content: []byte("pdf-bytes")}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ana@example.com"}, rcpt)

	parsed, err := mail.ReadMessage(bytes.NewReader(captured))
	require.NoError(t, err)
	assert.Equal(t, "shop@example.com", parsed.Header.Get("From"))
	mediaType, params, err := mime.ParseMediaType(parsed.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/mixed", mediaType)

	r := multipart.NewReader(parsed.Body, params["boundary"])
	first, err := r.NextPart()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first.Header.Get("Content-Type"), "multipart/alternative"))
	io.Copy(io.Discard, first)

	second, err := r.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "invoice-1.pdf", second.FileName())
}

func TestTemplatesRender(t *testing.T) {
	order := &models.Order{
		ID:        12,
		Total:     3500,
		CreatedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Items: []models.OrderItem{
			{ProductID: 1, ProductName: "Lamp <deluxe>", Quantity: 2, UnitPrice: 1000},
			{ProductID: 2, ProductName: "Desk", Quantity: 1, UnitPrice: 1500},
		},
	}

	msg, err := OrderVerification("ana@example.com", "Ana", order, "http://x/verify?token=a", "http://x/verify?token=a&remember=true", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, msg.Priority)
	assert.Contains(t, msg.HTML, "Lamp &lt;deluxe&gt;")
	assert.Contains(t, msg.HTML, "$35.00")
	assert.Contains(t, msg.Text, "5 minutes")

	msg, err = OrderCompleted("ana@example.com", "Ana", order, 6500, []byte("pdf"))
	require.NoError(t, err)
	assert.Equal(t, "Order #12 confirmed", msg.Subject)
	assert.Contains(t, msg.HTML, "$65.00")
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "invoice-12.pdf", msg.Attachments[0].Filename)

	msg, err = ProductsOutOfStock("ana@example.com", "Ana", []RemovedProduct{{ProductID: 1, ProductName: "Lamp", Quantity: 2}}, "http://x/products")
	require.NoError(t, err)
	assert.Equal(t, "Sold out: Lamp", msg.Subject)
	assert.Contains(t, msg.HTML, "was removed")

	msg, err = ProductsOutOfStock("ana@example.com", "Ana", []RemovedProduct{{ProductName: "Lamp"}, {ProductName: "Desk"}}, "http://x/products")
	require.NoError(t, err)
	assert.Equal(t, "2 products in your cart sold out", msg.Subject)

	msg, err = BalanceAdded("ana@example.com", "Ana", 2000, 5000, []models.Product{{Name: "Desk", Price: 1500, Stock: 3}}, "http://x/unsub")
	require.NoError(t, err)
	assert.Contains(t, msg.HTML, "Desk - $15.00")
	assert.Contains(t, msg.HTML, "http://x/unsub")
}
