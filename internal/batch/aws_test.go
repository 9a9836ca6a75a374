package batch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsbatch "github.com/aws/aws-sdk-go-v2/service/batch"
	batchtypes "github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	submits    []*awsbatch.SubmitJobInput
	describes  [][]string
	terminates []*awsbatch.TerminateJobInput
	statuses   map[string]batchtypes.JobStatus
	err        error
}

func (f *fakeAPI) SubmitJob(_ context.Context, in *awsbatch.SubmitJobInput, _ ...func(*awsbatch.Options)) (*awsbatch.SubmitJobOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.submits = append(f.submits, in)
	return &awsbatch.SubmitJobOutput{JobId: aws.String(fmt.Sprintf("aws-%d", len(f.submits)))}, nil
}

func (f *fakeAPI) DescribeJobs(ctx context.Context, in *awsbatch.DescribeJobsInput, _ ...func(*awsbatch.Options)) (*awsbatch.DescribeJobsOutput, error) {
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("describe called without a deadline")
	}
	if f.err != nil {
		return nil, f.err
	}
	f.describes = append(f.describes, in.Jobs)
	out := &awsbatch.DescribeJobsOutput{}
	for _, id := range in.Jobs {
		if s, ok := f.statuses[id]; ok {
			out.Jobs = append(out.Jobs, batchtypes.JobDetail{JobId: aws.String(id), Status: s})
		}
	}
	return out, nil
}

func (f *fakeAPI) TerminateJob(_ context.Context, in *awsbatch.TerminateJobInput, _ ...func(*awsbatch.Options)) (*awsbatch.TerminateJobOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.terminates = append(f.terminates, in)
	return &awsbatch.TerminateJobOutput{}, nil
}

func TestAWSSubmit(t *testing.T) {
	api := &fakeAPI{}
	client := newAWS(api, "refinery-queue", time.Second)

	handle, err := client.Submit(context.Background(), SubmitInput{
		JobDefinition: "SALMON_8192",
		JobName:       "SALMON_abc_8192",
		RAMAmount:     8192,
		JobID:         "abc",
		Command:       []string{"process", "abc"},
	})
	require.NoError(t, err)
	assert.Equal(t, "aws-1", handle)

	require.Len(t, api.submits, 1)
	in := api.submits[0]
	assert.Equal(t, "refinery-queue", aws.ToString(in.JobQueue))
	assert.Equal(t, "SALMON_8192", aws.ToString(in.JobDefinition))
	assert.Equal(t, "abc", in.Parameters["job_id"])
	require.Len(t, in.ContainerOverrides.ResourceRequirements, 1)
	req := in.ContainerOverrides.ResourceRequirements[0]
	assert.Equal(t, batchtypes.ResourceTypeMemory, req.Type)
	assert.Equal(t, "8192", aws.ToString(req.Value))
}

func TestAWSSubmitError(t *testing.T) {
	client := newAWS(&fakeAPI{err: errors.New("throttled")}, "q", time.Second)
	_, err := client.Submit(context.Background(), SubmitInput{JobName: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}

func TestAWSDescribeChunksAndMerges(t *testing.T) {
	api := &fakeAPI{statuses: map[string]batchtypes.JobStatus{}}
	var handles []string
	for i := 0; i < 230; i++ {
		h := fmt.Sprintf("job-%d", i)
		handles = append(handles, h)
		if i%2 == 0 {
			api.statuses[h] = batchtypes.JobStatusRunning
		}
	}
	api.statuses["job-1"] = batchtypes.JobStatusFailed

	client := newAWS(api, "q", time.Second)
	got, err := client.DescribeStatuses(context.Background(), handles)
	require.NoError(t, err)

	require.Len(t, api.describes, 3)
	for _, chunk := range api.describes {
		assert.LessOrEqual(t, len(chunk), MaxDescribeHandles)
	}
	assert.Len(t, got, 116)
	assert.Equal(t, StatusRunning, got["job-0"])
	assert.Equal(t, StatusFailed, got["job-1"])
	_, ok := got["job-3"]
	assert.False(t, ok)
}

func TestAWSDescribeError(t *testing.T) {
	client := newAWS(&fakeAPI{err: errors.New("boom")}, "q", time.Second)
	_, err := client.DescribeStatuses(context.Background(), []string{"a"})
	require.Error(t, err)
}

func TestAWSTerminate(t *testing.T) {
	api := &fakeAPI{}
	client := newAWS(api, "q", time.Second)
	require.NoError(t, client.Terminate(context.Background(), "aws-9", "Timed out"))
	require.Len(t, api.terminates, 1)
	assert.Equal(t, "aws-9", aws.ToString(api.terminates[0].JobId))
	assert.Equal(t, "Timed out", aws.ToString(api.terminates[0].Reason))
}
