package invoice

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercado/models"
)

func TestGenerateProducesPDF(t *testing.T) {
	g := NewGenerator("https://shop.example.com")
	order := &models.Order{
		ID:        5,
		Status:    models.OrderCompleted,
		Total:     4500,
		CreatedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Items: []models.OrderItem{
			{ProductID: 1, ProductName: "Café grande", Quantity: 3, UnitPrice: 1000},
			{ProductID: 2, ProductName: "Desk", Quantity: 1, UnitPrice: 1500},
		},
	}
	user := &models.User{ID: 1, Name: "Ana", Email: "ana@example.com"}

	pdf, err := g.Generate(order, user, 500)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(pdf, []byte("%PDF-")))
	assert.Greater(t, len(pdf), 1000)
}

func TestOrderURL(t *testing.T) {
	assert.Equal(t, "https://shop.example.com/orders/9", NewGenerator("https://shop.example.com").OrderURL(9))
}
