package batch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsbatch "github.com/aws/aws-sdk-go-v2/service/batch"
	batchtypes "github.com/aws/aws-sdk-go-v2/service/batch/types"
)

// batchAPI is the subset of the AWS Batch client used here.
type batchAPI interface {
	SubmitJob(ctx context.Context, in *awsbatch.SubmitJobInput, optFns ...func(*awsbatch.Options)) (*awsbatch.SubmitJobOutput, error)
	DescribeJobs(ctx context.Context, in *awsbatch.DescribeJobsInput, optFns ...func(*awsbatch.Options)) (*awsbatch.DescribeJobsOutput, error)
	TerminateJob(ctx context.Context, in *awsbatch.TerminateJobInput, optFns ...func(*awsbatch.Options)) (*awsbatch.TerminateJobOutput, error)
}

// AWS submits to an AWS Batch job queue.
type AWS struct {
	api         batchAPI
	queue       string
	callTimeout time.Duration
}

// NewAWS loads the default credential chain for region.
func NewAWS(ctx context.Context, region, queue string, callTimeout time.Duration) (*AWS, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newAWS(awsbatch.NewFromConfig(awsCfg), queue, callTimeout), nil
}

func newAWS(api batchAPI, queue string, callTimeout time.Duration) *AWS {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &AWS{api: api, queue: queue, callTimeout: callTimeout}
}

func (a *AWS) Submit(ctx context.Context, in SubmitInput) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	req := &awsbatch.SubmitJobInput{
		JobName:       aws.String(in.JobName),
		JobQueue:      aws.String(a.queue),
		JobDefinition: aws.String(in.JobDefinition),
		Parameters:    map[string]string{"job_id": in.JobID},
		ContainerOverrides: &batchtypes.ContainerOverrides{
			Command: in.Command,
			ResourceRequirements: []batchtypes.ResourceRequirement{{
				Type:  batchtypes.ResourceTypeMemory,
				Value: aws.String(strconv.Itoa(in.RAMAmount)),
			}},
		},
	}
	out, err := a.api.SubmitJob(ctx, req)
	if err != nil {
		return "", fmt.Errorf("submit %s: %w", in.JobName, err)
	}
	handle := aws.ToString(out.JobId)
	if handle == "" {
		return "", errors.New("submit returned an empty job id")
	}
	return handle, nil
}

func (a *AWS) DescribeStatuses(ctx context.Context, handles []string) (map[string]Status, error) {
	statuses := make(map[string]Status, len(handles))
	for _, chunk := range Chunk(handles, MaxDescribeHandles) {
		if err := a.describeChunk(ctx, chunk, statuses); err != nil {
			return nil, err
		}
	}
	return statuses, nil
}

func (a *AWS) describeChunk(ctx context.Context, chunk []string, into map[string]Status) error {
	ctx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	out, err := a.api.DescribeJobs(ctx, &awsbatch.DescribeJobsInput{Jobs: chunk})
	if err != nil {
		return fmt.Errorf("describe %d jobs: %w", len(chunk), err)
	}
	for _, job := range out.Jobs {
		into[aws.ToString(job.JobId)] = ParseStatus(string(job.Status))
	}
	return nil
}

func (a *AWS) Terminate(ctx context.Context, handle, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	_, err := a.api.TerminateJob(ctx, &awsbatch.TerminateJobInput{
		JobId:  aws.String(handle),
		Reason: aws.String(reason),
	})
	if err != nil {
		return fmt.Errorf("terminate %s: %w", handle, err)
	}
	return nil
}
