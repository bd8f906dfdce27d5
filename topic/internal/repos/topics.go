package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"content-pipeline/topic/internal/models"
)

var ErrNotFound = errors.New("topic not found")

type TopicsRepo struct {
	pool *pgxpool.Pool
}

func NewTopicsRepo(pool *pgxpool.Pool) *TopicsRepo {
	return &TopicsRepo{pool: pool}
}

func (r *TopicsRepo) CreateTopic(ctx context.Context, title string, channel string, source string) (models.Topic, error) {
	var topic models.Topic
	now := time.Now().UTC()
	err := r.pool.QueryRow(ctx, `
		INSERT INTO topics (title, channel, source, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING topic_id, title, channel, source, status, created_at, updated_at
	`, title, channel, source, models.TopicStatusProposed, now).
		Scan(&topic.TopicID, &topic.Title, &topic.Channel, &topic.Source, &topic.Status, &topic.CreatedAt, &topic.UpdatedAt)
	return topic, err
}

func (r *TopicsRepo) GetTopic(ctx context.Context, topicID uuid.UUID) (models.Topic, error) {
	var topic models.Topic
	err := r.pool.QueryRow(ctx, `
		SELECT topic_id, title, channel, source, status, created_at, updated_at
		FROM topics
		WHERE topic_id = $1
	`, topicID).
		Scan(&topic.TopicID, &topic.Title, &topic.Channel, &topic.Source, &topic.Status, &topic.CreatedAt, &topic.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Topic{}, ErrNotFound
	}
	return topic, err
}

func (r *TopicsRepo) ListTopics(ctx context.Context, status string, limit int, offset int) ([]models.Topic, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT topic_id, title, channel, source, status, created_at, updated_at
		FROM topics
		WHERE ($1 = '' OR status = $1)
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3
	`, status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var topics []models.Topic
	for rows.Next() {
		var topic models.Topic
		if err := rows.Scan(&topic.TopicID, &topic.Title, &topic.Channel, &topic.Source, &topic.Status, &topic.CreatedAt, &topic.UpdatedAt); err != nil {
			return nil, err
		}
		topics = append(topics, topic)
	}
	return topics, rows.Err()
}

// SetStatus moves a topic between proposed/approved/rejected. Approving an
// already approved topic is a no-op update, not an error, so the approve
// endpoint stays idempotent.
func (r *TopicsRepo) SetStatus(ctx context.Context, topicID uuid.UUID, status string) (models.Topic, error) {
	var topic models.Topic
	err := r.pool.QueryRow(ctx, `
		UPDATE topics
		SET status = $2, updated_at = $3
		WHERE topic_id = $1
		RETURNING topic_id, title, channel, source, status, created_at, updated_at
	`, topicID, status, time.Now().UTC()).
		Scan(&topic.TopicID, &topic.Title, &topic.Channel, &topic.Source, &topic.Status, &topic.CreatedAt, &topic.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Topic{}, ErrNotFound
	}
	return topic, err
}
