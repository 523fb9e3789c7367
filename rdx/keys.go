package rdx

import (
	"fmt"
	"strings"
	"time"
)

const (
	UserTTL         = time.Hour
	ProductTTL      = 5 * time.Minute
	ProductsListTTL = 5 * time.Minute
	OrderTTL        = 10 * time.Minute
)

func UserKey(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

func UserEmailKey(email string) string {
	return "user:email:" + strings.ToLower(email)
}

func ProductKey(productID int64) string {
	return fmt.Sprintf("product:%d", productID)
}

const AllProductsKey = "products:all"

func UserOrdersKey(userID int64) string {
	return fmt.Sprintf("orders:user:%d", userID)
}

func OrderLockKey(orderID int64) string {
	return fmt.Sprintf("order_lock:%d", orderID)
}

func LoginCodeKey(userID int64) string {
	return fmt.Sprintf("login:code:%d", userID)
}
