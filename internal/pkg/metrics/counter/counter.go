package counter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm/clause"

	"github.com/lexflowhq/lexpay/app/models"
	"github.com/lexflowhq/lexpay/internal/pkg/cache"
	"github.com/lexflowhq/lexpay/internal/pkg/database"
)

const (
	webhooksProcessedKey    = "billing:counters:webhooks_processed"
	webhooksIgnoredKey      = "billing:counters:webhooks_ignored"
	webhooksUnauthorizedKey = "billing:counters:webhooks_unauthorized"
	chargesIssuedKey        = "billing:counters:charges_issued"
	chargesFailedKey        = "billing:counters:charges_failed"
)

// AddWebhookProcessed increments the processed-webhook counter for a provider in Redis
func AddWebhookProcessed(provider string) error {
	return incr(webhooksProcessedKey, provider)
}

// AddWebhookIgnored increments the ignored-webhook counter for a provider in Redis
func AddWebhookIgnored(provider string) error {
	return incr(webhooksIgnoredKey, provider)
}

// AddWebhookUnauthorized increments the rejected-webhook counter for a provider in Redis
func AddWebhookUnauthorized(provider string) error {
	return incr(webhooksUnauthorizedKey, provider)
}

// AddChargeIssued increments the issued-charge counter for a provider in Redis
func AddChargeIssued(provider string) error {
	return incr(chargesIssuedKey, provider)
}

// AddChargeFailed increments the failed-charge counter for a provider in Redis
func AddChargeFailed(provider string) error {
	return incr(chargesFailedKey, provider)
}

func incr(key, provider string) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, key, provider, 1).Err()
}

// FlushAll drains every pending counter into the provider_stats table
func FlushAll() error {
	columns := map[string]string{
		webhooksProcessedKey:    "webhooks_processed",
		webhooksIgnoredKey:      "webhooks_ignored",
		webhooksUnauthorizedKey: "webhooks_unauthorized",
		chargesIssuedKey:        "charges_issued",
		chargesFailedKey:        "charges_failed",
	}
	for key, column := range columns {
		if err := flushHashToStats(key, column); err != nil {
			return err
		}
	}
	return nil
}

// flushHashToStats drains a Redis hash atomically and applies batched
// increments to the provider_stats row of the current day. Uses RENAME to a
// temporary key so in-flight increments are not lost.
func flushHashToStats(redisKey, column string) error {
	ctx := context.Background()
	rdb := cache.GetClient()

	tmpKey := fmt.Sprintf("%s:tmp:%d", redisKey, time.Now().UnixNano())
	if err := rdb.Do(ctx, "RENAME", redisKey, tmpKey).Err(); err != nil {
		// If key does not exist, nothing to flush
		if strings.Contains(strings.ToLower(err.Error()), "no such key") {
			return nil
		}
		return err
	}

	fields, err := rdb.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return err
	}

	db := database.GetDB()
	day := time.Now().Format("2006-01-02")
	for provider, rawCount := range fields {
		count, err := strconv.ParseInt(rawCount, 10, 64)
		if err != nil || count == 0 {
			continue
		}
		row := &models.ProviderStats{Provider: provider, Day: day}
		setStatsColumn(row, column, count)
		if err := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "provider"},
				{Name: "day"},
			},
			DoUpdates: []clause.Assignment{{
				Column: clause.Column{Name: column},
				Value:  clause.Expr{SQL: fmt.Sprintf("%s + ?", column), Vars: []interface{}{count}},
			}},
		}).Create(row).Error; err != nil {
			return err
		}
	}

	return rdb.Del(ctx, tmpKey).Err()
}

func setStatsColumn(row *models.ProviderStats, column string, count int64) {
	switch column {
	case "webhooks_processed":
		row.WebhooksProcessed = count
	case "webhooks_ignored":
		row.WebhooksIgnored = count
	case "webhooks_unauthorized":
		row.WebhooksUnauthorized = count
	case "charges_issued":
		row.ChargesIssued = count
	case "charges_failed":
		row.ChargesFailed = count
	}
}
