package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"mercado/auth"
	"mercado/cart"
	"mercado/cartcleanup"
	"mercado/config"
	"mercado/db"
	"mercado/expiry"
	"mercado/invoice"
	"mercado/ledger"
	"mercado/mailer"
	"mercado/middleware"
	"mercado/mq"
	"mercado/orders"
	"mercado/products"
	"mercado/ratelim"
	"mercado/rdx"
	"mercado/routes"
	"mercado/users"
)

const (
	idempotencyTTL = 24 * time.Hour
	expirySweep    = time.Minute
)

// securityHeaders applies a set of recommended HTTP security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// XSS, content sniffing, framing
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
		// HSTS (must be on HTTPS)
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each request method, path, remote address, and duration.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s from %s - %v", r.Method, r.RequestURI, r.RemoteAddr, time.Since(start))
	})
}

// Index is a simple health check handler.
func Index(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	fmt.Fprint(w, "200")
}

type app struct {
	cfg     *config.Config
	store   *db.Store
	router  *httprouter.Router
	orders  *orders.Service
	users   *users.Service
	limiter *ratelim.RateLimiter
	workers []*mq.Worker
	queues  []*mq.Queue
}

// build constructs every service and wires their cross references.
func build(cfg *config.Config, store *db.Store, conn *redis.Client) *app {
	cache := rdx.NewCache(conn)
	tokens := auth.NewTokens(cfg.JWTSecret)

	emailQueue := mq.NewQueue(conn, mailer.QueueName)
	expiryQueue := mq.NewQueue(conn, expiry.QueueName)
	cleanupQueue := mq.NewQueue(conn, cartcleanup.QueueName)

	mail := mailer.NewQueue(emailQueue)
	balance := ledger.NewBalance(store, cache)
	cleanupTrigger := cartcleanup.NewTrigger(cleanupQueue)
	carts := cart.NewRepository(conn)

	orderSvc := orders.NewService(orders.Deps{
		Store:     store,
		Inventory: ledger.NewInventory(store, cache),
		Balance:   balance,
		Cache:     cache,
		Expiry:    expiry.NewScheduler(expiryQueue, cfg.OrderVerificationWindow),
		Cleanup:   cleanupTrigger,
		Mailer:    mail,
		Tokens:    tokens,
		Invoices:  invoice.NewGenerator(cfg.AppURL),
	}, orders.Options{
		VerificationWindow: cfg.OrderVerificationWindow,
		PendingLimit:       cfg.PendingOrderLimit,
		AppURL:             cfg.AppURL,
	})
	productSvc := products.NewService(store, cache, cleanupTrigger)
	cartSvc := cart.NewService(carts, productSvc, orderSvc)
	userSvc := users.NewService(users.Deps{
		Store:    store,
		Cache:    cache,
		Balance:  balance,
		Products: productSvc,
		Carts:    carts,
		Mailer:   mail,
		Tokens:   tokens,
	}, users.Options{
		AppURL:           cfg.AppURL,
		AccessTokenTTL:   cfg.AccessTokenTTL,
		TrustedDeviceTTL: cfg.TrustedDeviceTTL,
		LoginCodeTTL:     cfg.LoginCodeTTL,
	})

	workerOpts := mq.WorkerOptions{Concurrency: cfg.QueueConcurrency, RatePerSec: cfg.QueueRatePerSecond}

	emailWorker := mq.NewWorker(emailQueue, workerOpts)
	emailWorker.Handle(mailer.JobType, mailer.Handler(mailer.NewSMTPSender(mailer.SMTPConfig(cfg.SMTP))))

	expiryWorker := mq.NewWorker(expiryQueue, workerOpts)
	expiryWorker.Handle(expiry.JobType, expiry.Handler(orderSvc, cfg.OrderVerificationWindow, nil))

	cleanupWorker := mq.NewWorker(cleanupQueue, workerOpts)
	cleaner := cartcleanup.NewCleaner(carts, store, store, mail, cfg.AppURL)
	cleanupWorker.Handle(cartcleanup.JobType, cartcleanup.Handler(cleaner))

	limiter := ratelim.NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst)
	router := httprouter.New()
	router.GET("/health", Index)
	routes.RoutesWrapper(router, &routes.Deps{
		Users:       users.NewHandlers(userSvc, orderSvc),
		Products:    products.NewHandlers(productSvc),
		Cart:        cart.NewHandlers(cartSvc, tokens),
		Orders:      orders.NewHandlers(orderSvc, tokens, cfg.TrustedPaymentTTL),
		Auth:        middleware.NewAuth(tokens),
		RateLimiter: limiter,
		Idempotency: middleware.Idempotency(store, idempotencyTTL),
	})

	return &app{
		cfg:     cfg,
		store:   store,
		router:  router,
		orders:  orderSvc,
		users:   userSvc,
		limiter: limiter,
		workers: []*mq.Worker{emailWorker, expiryWorker, cleanupWorker},
		queues:  []*mq.Queue{emailQueue, expiryQueue, cleanupQueue},
	}
}

// startup runs the one-off tasks that must finish before serving.
func (a *app) startup(ctx context.Context) error {
	if err := a.store.EnsureIndexes(ctx); err != nil {
		return err
	}
	if err := a.users.SeedAdmin(ctx, a.cfg.AdminEmail, a.cfg.AdminPassword); err != nil {
		return err
	}
	for _, q := range a.queues {
		if _, err := q.RequeueActive(ctx); err != nil {
			return fmt.Errorf("requeue %s: %w", q.Name(), err)
		}
	}
	cancelled, err := a.orders.CancelAllExpiredOrders(ctx)
	if err != nil {
		return err
	}
	log.Printf("[OrderExpiration] startup sweep cancelled %d expired orders", cancelled)
	return nil
}

// sweepExpired cancels orders whose expiration job was lost.
func (a *app) sweepExpired(ctx context.Context) {
	ticker := time.NewTicker(expirySweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := a.orders.CancelAllExpiredOrders(ctx); err != nil {
				log.Printf("[OrderExpiration] sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("[OrderExpiration] sweep cancelled %d expired orders", n)
			}
		}
	}
}

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	store, err := db.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	conn, err := rdx.Connect(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	a := build(cfg, store, conn)
	if err := a.startup(ctx); err != nil {
		log.Fatalf("❌ startup failed: %v", err)
	}
	cancel()

	// background: queue workers, expiry sweep, rate limiter cleanup
	bg, stopBg := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, w := range a.workers {
		wg.Add(1)
		go func(w *mq.Worker) {
			defer wg.Done()
			w.Run(bg)
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.sweepExpired(bg)
	}()
	go a.limiter.Run(bg.Done())

	// apply middleware: CORS → security headers → logging → router
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{cfg.AppURL},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", middleware.IdempotencyHeader},
		ExposedHeaders:   []string{"Location", "Idempotent-Replayed"},
		AllowCredentials: true,
	}).Handler(a.router)

	server := &http.Server{
		Addr:              cfg.Port,
		Handler:           loggingMiddleware(securityHeaders(corsHandler)),
		ReadTimeout:       7 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
	}

	// on shutdown: stop workers and let in-flight jobs finish
	server.RegisterOnShutdown(func() {
		log.Println("🛑 Stopping queue workers...")
		stopBg()
	})

	go func() {
		log.Printf("🚀 Server listening on %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ ListenAndServe error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("🛑 Shutdown signal received; shutting down gracefully...")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("❌ Graceful shutdown failed: %v", err)
	}
	stopBg()
	wg.Wait()

	if err := conn.Close(); err != nil {
		log.Printf("❌ closing Redis: %v", err)
	}
	if err := store.Close(shutdownCtx); err != nil {
		log.Printf("❌ closing MongoDB: %v", err)
	}
	log.Println("✅ Server stopped cleanly")
}
