package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/privacychain/internal/audit"
	"github.com/jmerrifield20/privacychain/internal/auth"
	"github.com/jmerrifield20/privacychain/internal/health"
	"github.com/jmerrifield20/privacychain/internal/ledger"
	"github.com/jmerrifield20/privacychain/internal/tracking/handler"
	"github.com/jmerrifield20/privacychain/internal/tracking/model"
	"github.com/jmerrifield20/privacychain/internal/tracking/repository"
	"github.com/jmerrifield20/privacychain/internal/tracking/service"
)

// closeStack releases resources in reverse order of acquisition.
type closeStack []func()

func (s *closeStack) push(fn func()) { *s = append(*s, fn) }

func (s *closeStack) closeAll(logger *zap.Logger) {
	for i := len(*s) - 1; i >= 0; i-- {
		(*s)[i]()
	}
	logger.Debug("resources released", zap.Int("count", len(*s)))
}

func ledgerKey(id model.LedgerID, field string) string {
	return "ledger." + string(id) + "." + field
}

// pools shares one pgx pool per DSN between the index store and any
// postgres-backed ledgers.
var pools = map[string]*pgxpool.Pool{}

func openPool(ctx context.Context, dsn string, closers *closeStack, logger *zap.Logger) (*pgxpool.Pool, error) {
	if p, ok := pools[dsn]; ok {
		return p, nil
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	closers.push(pool.Close)
	pools[dsn] = pool
	logger.Info("connected to postgres")
	return pool, nil
}

func openIndexStore(ctx context.Context, closers *closeStack, logger *zap.Logger) (service.IndexStore, error) {
	driver := viper.GetString("index.driver")
	dsn := viper.GetString("index.dsn")

	switch driver {
	case "memory":
		logger.Warn("tracking index is in memory; records are lost on restart")
		return repository.NewMemoryRepository(), nil
	case "sqlite":
		if dsn == "" {
			dsn = "privacychain.db"
		}
		s, err := repository.OpenSQLite(dsn)
		if err != nil {
			return nil, err
		}
		closers.push(func() {
			if err := s.Close(); err != nil {
				logger.Warn("close sqlite", zap.Error(err))
			}
		})
		logger.Info("tracking index opened", zap.String("driver", driver), zap.String("path", dsn))
		return s, nil
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("index.dsn is required for the postgres driver")
		}
		pool, err := openPool(ctx, dsn, closers, logger)
		if err != nil {
			return nil, err
		}
		return repository.NewPostgresRepository(pool), nil
	default:
		return nil, fmt.Errorf("unknown index.driver %q (want memory, sqlite or postgres)", driver)
	}
}

type ledgerSet struct {
	adapters map[model.LedgerID]ledger.Ledger
	chains   []health.Target
}

func openLedgers(ctx context.Context, closers *closeStack, logger *zap.Logger) (*ledgerSet, error) {
	set := &ledgerSet{adapters: map[model.LedgerID]ledger.Ledger{}}

	var redisClient *redis.Client
	cacheDriver := viper.GetString("ledger.cache.driver")
	cacheTTL := viper.GetDuration("ledger.cache.ttl")
	if cacheDriver == "redis" {
		c, err := ledger.NewRedisClient(ctx, viper.GetString("ledger.cache.redis_url"))
		if err != nil {
			return nil, err
		}
		closers.push(func() { c.Close() })
		redisClient = c
	}

	for _, id := range model.LedgerIDs {
		driver := viper.GetString(ledgerKey(id, "driver"))
		accounts := viper.GetStringSlice(ledgerKey(id, "accounts"))

		var l ledger.Ledger
		switch driver {
		case "", "none":
			continue
		case "memory":
			chain := ledger.New(accounts...)
			set.chains = append(set.chains, health.Target{Name: string(id), Chain: chain})
			l = chain
		case "postgres":
			pool, err := openPool(ctx, viper.GetString(ledgerKey(id, "url")), closers, logger)
			if err != nil {
				return nil, fmt.Errorf("ledger %s: %w", id, err)
			}
			chain := ledger.NewPostgresLedger(pool, accounts, logger)
			set.chains = append(set.chains, health.Target{Name: string(id), Chain: chain})
			l = chain
		case "remote":
			r, err := ledger.NewRemote(ledger.RemoteConfig{
				BaseURL:      viper.GetString(ledgerKey(id, "url")),
				ClientID:     viper.GetString(ledgerKey(id, "client_id")),
				ClientSecret: viper.GetString(ledgerKey(id, "client_secret")),
				Timeout:      viper.GetDuration(ledgerKey(id, "timeout")),
			})
			if err != nil {
				return nil, fmt.Errorf("ledger %s: %w", id, err)
			}
			l = r
		default:
			return nil, fmt.Errorf("unknown %s %q (want memory, postgres, remote or none)", ledgerKey(id, "driver"), driver)
		}

		switch cacheDriver {
		case "none", "":
		case "memory":
			mc := ledger.NewMemoryCache(cacheTTL)
			mc.StartEviction(ctx, time.Minute)
			cached := ledger.NewCached(l, mc, logger)
			cached.SetMetricsRecord(handler.RecordLedgerCache)
			cached.SetReadTimeout(viper.GetDuration("tracking.ledger_timeout"))
			l = cached
		case "redis":
			cached := ledger.NewCached(l, ledger.NewRedisCache(redisClient, string(id), cacheTTL), logger)
			cached.SetMetricsRecord(handler.RecordLedgerCache)
			cached.SetReadTimeout(viper.GetDuration("tracking.ledger_timeout"))
			l = cached
		default:
			return nil, fmt.Errorf("unknown ledger.cache.driver %q (want none, memory or redis)", cacheDriver)
		}

		set.adapters[id] = l
		logger.Info("ledger configured",
			zap.String("ledger_id", string(id)),
			zap.String("driver", driver),
			zap.String("cache", cacheDriver),
		)
	}
	if len(set.adapters) == 0 {
		return nil, fmt.Errorf("no ledger configured")
	}
	return set, nil
}

// openPublisher builds the audit sink from audit.sinks. An empty list
// discards events.
func openPublisher(closers *closeStack, logger *zap.Logger) (audit.Publisher, error) {
	var sinks audit.Multi
	for _, name := range viper.GetStringSlice("audit.sinks") {
		switch name {
		case "noop", "":
		case "kafka":
			k, err := audit.NewKafka(viper.GetStringSlice("audit.brokers"), viper.GetString("audit.topic"))
			if err != nil {
				return nil, err
			}
			closers.push(k.Close)
			sinks = append(sinks, k)
			logger.Info("audit events published to kafka", zap.String("topic", viper.GetString("audit.topic")))
		case "webhook":
			var endpoints []audit.WebhookEndpoint
			if err := viper.UnmarshalKey("audit.webhooks", &endpoints); err != nil {
				return nil, fmt.Errorf("audit.webhooks: %w", err)
			}
			wh, err := audit.NewWebhook(endpoints, logger)
			if err != nil {
				return nil, err
			}
			wh.SetMetricsRecorder(handler.RecordWebhookDelivery)
			closers.push(wh.Close)
			sinks = append(sinks, wh)
			logger.Info("audit events delivered to webhooks", zap.Int("endpoints", len(endpoints)))
		default:
			return nil, fmt.Errorf("unknown audit sink %q (want kafka or webhook)", name)
		}
	}
	switch len(sinks) {
	case 0:
		return audit.Noop{}, nil
	case 1:
		return sinks[0], nil
	default:
		return sinks, nil
	}
}

// openAuth returns nil issuers when no JWT secret is configured, which leaves
// the API open. Client secrets are bcrypt hashes, see `ledgerd hash-secret`.
func openAuth(logger *zap.Logger) (*auth.TokenIssuer, *auth.ClientRegistry, error) {
	secret := viper.GetString("auth.jwt_secret")
	if secret == "" {
		logger.Warn("auth.jwt_secret not set; the tracking API is unauthenticated")
		return nil, nil, nil
	}
	tokens, err := auth.NewTokenIssuer([]byte(secret), viper.GetString("auth.issuer"), viper.GetDuration("auth.token_ttl"))
	if err != nil {
		return nil, nil, err
	}

	hashes := viper.GetStringMapString("auth.clients")
	if len(hashes) == 0 {
		logger.Warn("auth.clients is empty; tokens can only be minted out of band")
		return tokens, nil, nil
	}
	clients, err := auth.NewClientRegistry(hashes)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("client credentials enabled", zap.Int("clients", clients.Len()))
	return tokens, clients, nil
}
