package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/example/syncq/internal/observability"
)

const (
	sqsBackend        = "sqs"
	sqsMaxBatch       = 10
	sqsMaxWaitSeconds = 20
)

// SQSAPI is the subset of the SQS client used by SQSTransport.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, in *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

// SQSTransport adapts Amazon SQS to Transport. Queue names are resolved to
// URLs once and cached; full URLs are used as given.
type SQSTransport struct {
	client SQSAPI
	mu     sync.Mutex
	urls   map[string]string
}

func NewSQSTransport(client SQSAPI) *SQSTransport {
	return &SQSTransport{client: client, urls: make(map[string]string)}
}

func (q *SQSTransport) queueURL(ctx context.Context, queue string) (string, error) {
	if strings.HasPrefix(queue, "https://") || strings.HasPrefix(queue, "http://") {
		return queue, nil
	}
	q.mu.Lock()
	url, ok := q.urls[queue]
	q.mu.Unlock()
	if ok {
		return url, nil
	}
	out, err := q.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queue)})
	if err != nil {
		return "", fmt.Errorf("resolve sqs queue %s: %w", queue, err)
	}
	url = aws.ToString(out.QueueUrl)
	q.mu.Lock()
	q.urls[queue] = url
	q.mu.Unlock()
	return url, nil
}

func (q *SQSTransport) Send(ctx context.Context, queue, body string, attrs map[string]string) (string, error) {
	url, err := q.queueURL(ctx, queue)
	if err != nil {
		return "", err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(body),
	}
	if len(attrs) > 0 {
		in.MessageAttributes = make(map[string]types.MessageAttributeValue, len(attrs))
		for k, v := range attrs {
			in.MessageAttributes[k] = types.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(v),
			}
		}
	}
	out, err := q.client.SendMessage(ctx, in)
	if err != nil {
		return "", fmt.Errorf("sqs send to %s: %w", queue, err)
	}
	return aws.ToString(out.MessageId), nil
}

func (q *SQSTransport) Receive(ctx context.Context, queue string, opts ReceiveOptions) ([]Message, error) {
	url, err := q.queueURL(ctx, queue)
	if err != nil {
		return nil, err
	}
	max := opts.MaxMessages
	if max <= 0 {
		max = 1
	}
	if max > sqsMaxBatch {
		max = sqsMaxBatch
	}
	wait := int32(opts.Wait / time.Second)
	if wait > sqsMaxWaitSeconds {
		wait = sqsMaxWaitSeconds
	}
	names := opts.AttributeNames
	if len(names) == 0 {
		names = []string{"All"}
	}
	in := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(url),
		MaxNumberOfMessages:   int32(max),
		WaitTimeSeconds:       wait,
		MessageAttributeNames: names,
	}
	if opts.VisibilityTimeout > 0 {
		in.VisibilityTimeout = int32(opts.VisibilityTimeout / time.Second)
	}
	out, err := q.client.ReceiveMessage(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("sqs receive from %s: %w", queue, err)
	}
	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		attrs := make(map[string]string, len(m.MessageAttributes))
		for k, v := range m.MessageAttributes {
			if v.StringValue != nil {
				attrs[k] = *v.StringValue
			}
		}
		msgs = append(msgs, Message{
			ID:         aws.ToString(m.MessageId),
			Body:       aws.ToString(m.Body),
			Attributes: attrs,
			Receipt:    aws.ToString(m.ReceiptHandle),
		})
	}
	observability.RecordQueueReceived(sqsBackend, queue, len(msgs))
	return msgs, nil
}

// DeleteBatch deletes in chunks of ten. Per-entry failures are joined into
// the returned error; entries that succeeded stay deleted.
func (q *SQSTransport) DeleteBatch(ctx context.Context, queue string, receipts []string) error {
	if len(receipts) == 0 {
		return nil
	}
	url, err := q.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	var errs []error
	deleted := 0
	for start := 0; start < len(receipts); start += sqsMaxBatch {
		end := start + sqsMaxBatch
		if end > len(receipts) {
			end = len(receipts)
		}
		entries := make([]types.DeleteMessageBatchRequestEntry, 0, end-start)
		for i, r := range receipts[start:end] {
			entries = append(entries, types.DeleteMessageBatchRequestEntry{
				Id:            aws.String(strconv.Itoa(start + i)),
				ReceiptHandle: aws.String(r),
			})
		}
		out, err := q.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(url),
			Entries:  entries,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("sqs delete batch on %s: %w", queue, err))
			continue
		}
		deleted += len(out.Successful)
		for _, f := range out.Failed {
			errs = append(errs, fmt.Errorf("sqs delete entry %s on %s: %s %s",
				aws.ToString(f.Id), queue, aws.ToString(f.Code), aws.ToString(f.Message)))
		}
	}
	observability.RecordQueueDeleted(sqsBackend, queue, deleted)
	return errors.Join(errs...)
}

func (q *SQSTransport) ChangeVisibility(ctx context.Context, queue, receipt string, timeout time.Duration) error {
	url, err := q.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	if timeout < 0 {
		timeout = 0
	}
	_, err = q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(url),
		ReceiptHandle:     aws.String(receipt),
		VisibilityTimeout: int32(timeout / time.Second),
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility on %s: %w", queue, err)
	}
	return nil
}

func (q *SQSTransport) ApproximateDepth(ctx context.Context, queue string) (int, error) {
	url, err := q.queueURL(ctx, queue)
	if err != nil {
		return 0, err
	}
	name := types.QueueAttributeNameApproximateNumberOfMessages
	out, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(url),
		AttributeNames: []types.QueueAttributeName{name},
	})
	if err != nil {
		return 0, fmt.Errorf("sqs depth of %s: %w", queue, err)
	}
	n, err := strconv.Atoi(out.Attributes[string(name)])
	if err != nil {
		return 0, fmt.Errorf("sqs depth of %s: %w", queue, err)
	}
	return n, nil
}
