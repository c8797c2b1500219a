// Package database manages the PostgreSQL connection pool and
// bootstraps the schema.
//
// The schema is created by a fixed sequence of named steps, each an
// idempotent CREATE ... IF NOT EXISTS batch. Referential integrity is
// left entirely to Postgres foreign keys.
package database

// Step is one named schema batch.
type Step struct {
	Name string
	SQL  string
}

// Steps lists the schema batches in dependency order.
var Steps = []Step{
	{Name: "subscription_plans", SQL: subscriptionPlansSQL},
	{Name: "custom_users", SQL: customUsersSQL},
	{Name: "user_subscriptions", SQL: userSubscriptionsSQL},
	{Name: "videos", SQL: videosSQL},
	{Name: "video_analyses", SQL: videoAnalysesSQL},
	{Name: "detection_objects", SQL: detectionObjectsSQL},
	{Name: "object_appearances", SQL: objectAppearancesSQL},
	{Name: "frame_detections", SQL: frameDetectionsSQL},
	{Name: "analysis_reports", SQL: analysisReportsSQL},
	{Name: "api_keys", SQL: apiKeysSQL},
	{Name: "activity_events", SQL: activityEventsSQL},
}

// subscription_plans: one row per tier. Seeded only when empty so that
// operators can edit limits in place.
const subscriptionPlansSQL = `
CREATE TABLE IF NOT EXISTS subscription_plans (
    id                         VARCHAR(50) PRIMARY KEY,
    name                       VARCHAR(100) NOT NULL,
    max_video_size_mb          INTEGER NOT NULL,
    max_video_duration_minutes INTEGER NOT NULL,
    price_monthly              NUMERIC(10, 2) NOT NULL,
    price_yearly               NUMERIC(10, 2) NOT NULL,
    features                   JSONB NOT NULL,
    created_at                 TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at                 TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

INSERT INTO subscription_plans (id, name, max_video_size_mb, max_video_duration_minutes, price_monthly, price_yearly, features)
SELECT * FROM (VALUES
    ('free', 'Free Trial', 50, 2, 0.00, 0.00, '["Basic object detection", "Limited video size", "Limited video duration"]'::jsonb),
    ('basic', 'Basic', 200, 10, 9.99, 99.99, '["Standard object detection", "Increased video size", "Increased video duration", "Report sharing"]'::jsonb),
    ('pro', 'Professional', 1000, 30, 29.99, 299.99, '["Advanced object detection", "Large video size", "Extended video duration", "Report sharing", "API access"]'::jsonb),
    ('enterprise', 'Enterprise', 10000, 120, 99.99, 999.99, '["Premium object detection", "Unlimited video size", "Extended video duration", "Report sharing", "API access", "Custom model training"]'::jsonb)
) AS seed
WHERE NOT EXISTS (SELECT 1 FROM subscription_plans);
`

// custom_users: profile rows mirrored from the auth provider. The id is
// the provider's subject, which is not necessarily a UUID.
const customUsersSQL = `
CREATE TABLE IF NOT EXISTS custom_users (
    id          VARCHAR(255) PRIMARY KEY,
    email       VARCHAR(255) UNIQUE NOT NULL,
    name        VARCHAR(255) NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// user_subscriptions: plan history per user. At most one row per user
// is expected to be 'active'; plan changes cancel the previous row.
const userSubscriptionsSQL = `
CREATE TABLE IF NOT EXISTS user_subscriptions (
    id                               UUID PRIMARY KEY,
    user_id                          VARCHAR(255) NOT NULL,
    plan_id                          VARCHAR(50) NOT NULL REFERENCES subscription_plans(id),
    status                           VARCHAR(50) NOT NULL,
    billing_cycle                    VARCHAR(20) NOT NULL DEFAULT 'monthly',
    current_period_start             TIMESTAMPTZ NOT NULL,
    current_period_end               TIMESTAMPTZ NOT NULL,
    cancel_at_period_end             BOOLEAN NOT NULL DEFAULT FALSE,
    payment_provider                 VARCHAR(50),
    payment_provider_subscription_id VARCHAR(255),
    created_at                       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at                       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_user_subscriptions_user_status ON user_subscriptions(user_id, status);
`

const videosSQL = `
CREATE TABLE IF NOT EXISTS videos (
    id               UUID PRIMARY KEY,
    user_id          VARCHAR(255) NOT NULL,
    title            VARCHAR(255) NOT NULL,
    description      TEXT,
    file_path        VARCHAR(1024) NOT NULL,
    file_size_bytes  BIGINT NOT NULL,
    duration_seconds NUMERIC(10, 2),
    mime_type        VARCHAR(100),
    thumbnail_path   VARCHAR(1024),
    status           VARCHAR(50) NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_videos_user_created ON videos(user_id, created_at DESC);
`

const videoAnalysesSQL = `
CREATE TABLE IF NOT EXISTS video_analyses (
    id                      UUID PRIMARY KEY,
    video_id                UUID NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
    status                  VARCHAR(50) NOT NULL,
    model_version           VARCHAR(100) NOT NULL,
    processing_started_at   TIMESTAMPTZ,
    processing_completed_at TIMESTAMPTZ,
    processing_time_seconds NUMERIC(10, 2),
    error_message           TEXT,
    created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_video_analyses_video ON video_analyses(video_id);
CREATE INDEX IF NOT EXISTS idx_video_analyses_status ON video_analyses(status);
`

const detectionObjectsSQL = `
CREATE TABLE IF NOT EXISTS detection_objects (
    id           UUID PRIMARY KEY,
    analysis_id  UUID NOT NULL REFERENCES video_analyses(id) ON DELETE CASCADE,
    object_class VARCHAR(100) NOT NULL,
    track_id     INTEGER,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_detection_objects_analysis ON detection_objects(analysis_id);
`

const objectAppearancesSQL = `
CREATE TABLE IF NOT EXISTS object_appearances (
    id                  UUID PRIMARY KEY,
    detection_object_id UUID NOT NULL REFERENCES detection_objects(id) ON DELETE CASCADE,
    start_time_seconds  NUMERIC(10, 2) NOT NULL,
    end_time_seconds    NUMERIC(10, 2) NOT NULL,
    average_confidence  NUMERIC(5, 4) NOT NULL,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const frameDetectionsSQL = `
CREATE TABLE IF NOT EXISTS frame_detections (
    id                  UUID PRIMARY KEY,
    detection_object_id UUID NOT NULL REFERENCES detection_objects(id) ON DELETE CASCADE,
    frame_number        INTEGER NOT NULL,
    time_seconds        NUMERIC(10, 2) NOT NULL,
    confidence          NUMERIC(5, 4) NOT NULL,
    bbox_x              NUMERIC(10, 2) NOT NULL,
    bbox_y              NUMERIC(10, 2) NOT NULL,
    bbox_width          NUMERIC(10, 2) NOT NULL,
    bbox_height         NUMERIC(10, 2) NOT NULL,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// analysis_reports: share links. A report is reachable by share_token
// only while is_public is set and expires_at is unset or in the future.
const analysisReportsSQL = `
CREATE TABLE IF NOT EXISTS analysis_reports (
    id          UUID PRIMARY KEY,
    analysis_id UUID NOT NULL REFERENCES video_analyses(id) ON DELETE CASCADE,
    title       VARCHAR(255) NOT NULL,
    description TEXT,
    share_token VARCHAR(100) UNIQUE,
    is_public   BOOLEAN NOT NULL DEFAULT FALSE,
    expires_at  TIMESTAMPTZ,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// api_keys: bcrypt-hashed keys for programmatic access. prefix is the
// public lookup part of the key; calls counts authenticated requests
// in the current billing period.
const apiKeysSQL = `
CREATE TABLE IF NOT EXISTS api_keys (
    id           UUID PRIMARY KEY,
    user_id      VARCHAR(255) NOT NULL,
    prefix       VARCHAR(32) UNIQUE NOT NULL,
    key_hash     VARCHAR(255) NOT NULL,
    calls        BIGINT NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_used_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys(user_id);
`

// activity_events: sequenced log of user-visible events (uploads,
// analysis completions, plan changes). The BIGSERIAL seq gives a
// monotonically increasing cursor.
const activityEventsSQL = `
CREATE TABLE IF NOT EXISTS activity_events (
    seq         BIGSERIAL PRIMARY KEY,
    event_type  VARCHAR(40) NOT NULL,
    user_id     VARCHAR(255) NOT NULL,
    subject_id  VARCHAR(255) NOT NULL DEFAULT '',
    message     TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_activity_events_user ON activity_events(user_id, seq DESC);
`
