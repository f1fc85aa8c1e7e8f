package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/dte_backend/config"
	"github.com/mmdatafocus/dte_backend/folio"
	"github.com/mmdatafocus/dte_backend/ledger"
	"github.com/mmdatafocus/dte_backend/models"
	"github.com/mmdatafocus/dte_backend/queue"
	"github.com/mmdatafocus/dte_backend/storage"
	"github.com/mmdatafocus/dte_backend/transport"
	"github.com/mmdatafocus/dte_backend/utils"
)

const defaultPort = "8086"

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.NewLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	env := models.EnvironmentCertification
	if parsed, err := models.ParseEnvironment(os.Getenv("DTE_ENVIRONMENT")); err == nil {
		env = parsed
	}

	db := config.ConnectDatabaseWithRetry()
	models.MigrateTable(db)
	rdb, locker := config.ConnectRedis()

	store := storage.NewGormStore(db, rdb, logger)
	ranges := folio.NewRanges(store)
	allocator := folio.NewAllocator(store, env, logger)
	lg := ledger.New(store, logger)
	q := queue.New(store, queue.ConfigFromEnv())

	var client transport.Client
	if os.Getenv("AUTHORITY_SIMULATION") == "true" {
		client = transport.NewSimulator()
		logger.Warn("running against the delivery simulator")
	} else {
		httpClient, err := transport.NewHTTPClient(logger)
		if err != nil {
			logger.Fatal("transport client: " + err.Error())
		}
		client = httpClient
	}

	processor := queue.NewProcessor(q, store, allocator, lg, client, locker, logger)
	poller := queue.NewStatusPoller(lg, client, env, logger)

	go processor.Run(sigCtx)
	go poller.Run(sigCtx)

	r := gin.New()
	r.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	r.Use(cors.New(corsConfig))

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	r.GET("/queue/stats", func(c *gin.Context) {
		stats, err := q.Stats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	r.POST("/queue/retry-failed", func(c *gin.Context) {
		count, err := q.RetryAllFailed(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"retried": count})
	})

	r.DELETE("/queue/jobs/:id", func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
			return
		}
		deleted, err := q.Delete(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": deleted})
	})

	r.GET("/ledger", func(c *gin.Context) {
		query := models.LedgerQuery{
			Status:      models.LedgerStatus(c.Query("status")),
			Environment: models.Environment(c.Query("environment")),
		}
		if v, err := strconv.Atoi(c.DefaultQuery("type", "0")); err == nil {
			query.DocumentType = models.DocumentType(v)
		}
		query.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
		query.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
		if v := c.Query("date_from"); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				query.DateFrom = &t
			}
		}
		if v := c.Query("date_to"); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				query.DateTo = &t
			}
		}
		page, err := lg.QueryPaginated(c.Request.Context(), query)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, page)
	})

	r.GET("/ledger/pending", func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		ids, err := lg.PendingTrackIds(c.Request.Context(), limit, env)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"track_ids": ids})
	})

	r.GET("/ledger/metrics", func(c *gin.Context) {
		health, err := lg.HealthMetrics(c.Request.Context(), env)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, health)
	})

	r.POST("/ranges", func(c *gin.Context) {
		var input models.NewNumericRange
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		created, err := ranges.Create(c.Request.Context(), &input)
		if err != nil {
			var validation *utils.ValidationError
			if errors.As(err, &validation) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, created)
	})

	r.POST("/ranges/:id/credential", func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid range id"})
			return
		}
		file, header, err := c.Request.FormFile("credential")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "credential file is required"})
			return
		}
		defer file.Close()
		blob, err := io.ReadAll(file)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := ranges.StoreCredential(c.Request.Context(), id, blob, header.Filename); err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "range not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"stored": true})
	})

	srv := &http.Server{Addr: ":" + port, Handler: r}
	go func() {
		<-sigCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("dte-processor listening on :" + port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal(err.Error())
	}
}
