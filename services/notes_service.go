package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"workbench/models"
)

const notesTable = "Notes"

var ErrNoteNotFound = errors.New("note not found")

// NewDynamoDBClient connects to DynamoDB. A non-empty endpoint points the
// client at a local instance with static credentials, for development.
func NewDynamoDBClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: endpoint}, nil
		})
		opts = append(opts,
			awsconfig.WithEndpointResolverWithOptions(resolver),
			awsconfig.WithCredentialsProvider(credentials.StaticCredentialsProvider{
				Value: aws.Credentials{
					AccessKeyID: "dummy", SecretAccessKey: "dummy", SessionToken: "dummy",
				},
			}),
		)
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg), nil
}

// NotesService is the DynamoDB-backed notes repository. It feeds the
// search_notes and get_note tools and the batch embedding indexer.
type NotesService struct {
	db *dynamodb.Client
}

func NewNotesService(db *dynamodb.Client) *NotesService {
	return &NotesService{db: db}
}

func (s *NotesService) EnsureTable(ctx context.Context) error {
	_, err := s.db.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(notesTable),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("OwnerID"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("NoteID"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("OwnerID"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("NoteID"), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var exists *types.ResourceInUseException
		if errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("failed to create notes table: %w", err)
	}
	return nil
}

func (s *NotesService) PutNote(ctx context.Context, note models.Note) (models.Note, error) {
	if note.ID == "" {
		note.ID = uuid.New().String()
	}
	note.UpdatedAt = time.Now()

	_, err := s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(notesTable),
		Item: map[string]types.AttributeValue{
			"OwnerID":    &types.AttributeValueMemberS{Value: note.OwnerID},
			"NoteID":     &types.AttributeValueMemberS{Value: note.ID},
			"Title":      &types.AttributeValueMemberS{Value: note.Title},
			"Body":       &types.AttributeValueMemberS{Value: note.Body},
			"Collection": &types.AttributeValueMemberS{Value: note.Collection},
			"UpdatedAt":  &types.AttributeValueMemberS{Value: note.UpdatedAt.Format(time.RFC3339)},
		},
	})
	if err != nil {
		return models.Note{}, fmt.Errorf("failed to put note: %w", err)
	}
	return note, nil
}

func (s *NotesService) GetNote(ctx context.Context, ownerID, noteID string) (models.Note, error) {
	result, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(notesTable),
		Key: map[string]types.AttributeValue{
			"OwnerID": &types.AttributeValueMemberS{Value: ownerID},
			"NoteID":  &types.AttributeValueMemberS{Value: noteID},
		},
	})
	if err != nil {
		return models.Note{}, fmt.Errorf("failed to get note: %w", err)
	}
	if result.Item == nil {
		return models.Note{}, ErrNoteNotFound
	}
	return noteFromItem(result.Item), nil
}

// SearchNotes matches the query against note titles and bodies for one
// owner. DynamoDB has no full-text search, so this scans the owner's
// partition and filters; fine at notes scale.
func (s *NotesService) SearchNotes(ctx context.Context, ownerID, query string, limit int) ([]models.Note, error) {
	result, err := s.db.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(notesTable),
		KeyConditionExpression: aws.String("OwnerID = :owner"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: ownerID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query notes: %w", err)
	}

	needle := strings.ToLower(strings.TrimSpace(query))
	notes := make([]models.Note, 0)
	for _, item := range result.Items {
		note := noteFromItem(item)
		if needle == "" ||
			strings.Contains(strings.ToLower(note.Title), needle) ||
			strings.Contains(strings.ToLower(note.Body), needle) {
			notes = append(notes, note)
		}
		if limit > 0 && len(notes) >= limit {
			break
		}
	}
	return notes, nil
}

// ListNotesUpdatedSince feeds the batch embedding indexer.
func (s *NotesService) ListNotesUpdatedSince(ctx context.Context, since time.Time) ([]models.Note, error) {
	result, err := s.db.Scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(notesTable),
		FilterExpression: aws.String("UpdatedAt >= :since"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":since": &types.AttributeValueMemberS{Value: since.Format(time.RFC3339)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan notes: %w", err)
	}

	notes := make([]models.Note, 0, len(result.Items))
	for _, item := range result.Items {
		notes = append(notes, noteFromItem(item))
	}
	return notes, nil
}

func noteFromItem(item map[string]types.AttributeValue) models.Note {
	note := models.Note{
		ID:         stringAttr(item, "NoteID"),
		OwnerID:    stringAttr(item, "OwnerID"),
		Title:      stringAttr(item, "Title"),
		Body:       stringAttr(item, "Body"),
		Collection: stringAttr(item, "Collection"),
	}
	if ts, err := time.Parse(time.RFC3339, stringAttr(item, "UpdatedAt")); err == nil {
		note.UpdatedAt = ts
	}
	return note
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if attr, ok := item[name].(*types.AttributeValueMemberS); ok {
		return attr.Value
	}
	return ""
}
