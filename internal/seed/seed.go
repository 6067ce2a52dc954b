// Package seed populates an empty database with a small batch of telemetry
// events and their reconstructed viewing sessions so the API and reports
// have data in local development.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/ottworks/telemetria/internal/config"
	sessiondomain "github.com/ottworks/telemetria/internal/session/domain"
	telemetrydomain "github.com/ottworks/telemetria/internal/telemetry/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var Module = fx.Module("seed",
	fx.Invoke(Run),
)

// Run seeds demo events and sessions when SEED_DEMO_DATA is set and the
// event table is empty. Seeded records use negative record ids so they can
// never collide with upstream ones; since the merge stage only scans
// positive record ids, the matching sessions are written directly.
func Run(db *gorm.DB, cfg config.Config, node *snowflake.Node, log *zap.Logger) error {
	if !cfg.SeedDemoData {
		return nil
	}
	if db == nil {
		return errors.New("seed database handle is required")
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&telemetrydomain.TelemetryEvent{}).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		events, sessions := demoData(node)
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&events).Error; err != nil {
			return err
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&sessions).Error; err != nil {
			return err
		}

		log.Named("seed").Info("seeded demo data",
			zap.Int("events", len(events)),
			zap.Int("sessions", len(sessions)),
		)
		return nil
	})
}

func demoData(node *snowflake.Node) ([]telemetrydomain.TelemetryEvent, []sessiondomain.ViewingSession) {
	base := time.Now().UTC().Add(-24 * time.Hour).Truncate(time.Hour)

	type tune struct {
		device     string
		subscriber string
		channel    string
		offset     time.Duration
		duration   time.Duration
	}

	tunes := []tune{
		{"stb-0001", "SUB-1001", "Canal Uno", 0, 25 * time.Minute},
		{"stb-0001", "SUB-1001", "Canal Dos", 30 * time.Minute, 45 * time.Minute},
		{"stb-0002", "SUB-1002", "Canal Uno", 10 * time.Minute, 90 * time.Minute},
		{"stb-0003", "", "Canal Tres", 20 * time.Minute, 15 * time.Minute},
	}

	var (
		events   []telemetrydomain.TelemetryEvent
		sessions []sessiondomain.ViewingSession
	)
	recordID := int64(-1)
	for _, t := range tunes {
		start := base.Add(t.offset)
		stop := start.Add(t.duration)

		var subscriber *string
		if t.subscriber != "" {
			s := t.subscriber
			subscriber = &s
		}
		channel := t.channel
		startID := recordID
		stopID := recordID - 1

		events = append(events,
			demoEvent(node, startID, telemetrydomain.ActionTuneIn, "Tuned in channel", t.device, subscriber, &channel, start),
			demoEvent(node, stopID, telemetrydomain.ActionTuneOut, "Tuned out channel", t.device, subscriber, &channel, stop),
		)

		startTS, stopTS := start, stop
		duration := int64(stop.Sub(start) / time.Second)
		sessions = append(sessions, sessiondomain.ViewingSession{
			ID:              node.Generate(),
			DeviceID:        t.device,
			SubscriberCode:  subscriber,
			ChannelName:     &channel,
			StartRecordID:   &startID,
			StopRecordID:    &stopID,
			StartTimestamp:  &startTS,
			StopTimestamp:   &stopTS,
			DurationSeconds: &duration,
			Status:          sessiondomain.SessionStatusCompleted,
		})
		recordID -= 2
	}
	return events, sessions
}

func demoEvent(node *snowflake.Node, recordID int64, actionID int32, actionName, device string, subscriber, channel *string, ts time.Time) telemetrydomain.TelemetryEvent {
	return telemetrydomain.TelemetryEvent{
		ID:             node.Generate(),
		RecordID:       recordID,
		ActionID:       actionID,
		ActionName:     actionName,
		DeviceID:       device,
		SubscriberCode: subscriber,
		ChannelName:    channel,
		Timestamp:      ts,
		DataDate:       ts.Truncate(24 * time.Hour),
		HourOfDay:      int16(ts.Hour()),
	}
}
