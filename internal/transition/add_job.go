package transition

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/internal/keyspace"
	"github.com/VladimirMikulic/bullmq/kvdriver"
)

const opAddJob = "AddJob"

// AddJobParams are parameters for AddJob.
type AddJobParams struct {
	Data []byte
	Name string
	Opts bulltype.JobOpts

	// RepeatJobKey marks the job as an iteration of a repeatable job.
	RepeatJobKey string

	// WaitChildren inserts the job into waiting-children, where it stays until
	// all the children registered against it have completed.
	WaitChildren bool

	MaxLenEvents int
	Now          time.Time
}

// AddJobResult is the result of AddJob.
type AddJobResult struct {
	JobID string

	// Duplicated is true if a job with the given custom ID already existed,
	// in which case nothing was inserted.
	Duplicated bool
}

// AddJob inserts a job. It becomes waiting (or prioritized, or paused), or
// delayed if it has a delay, or waiting-children if WaitChildren is set.
func AddJob(ctx context.Context, tx kvdriver.Tx, keys *keyspace.Queue, params *AddJobParams) (*AddJobResult, error) {
	var (
		events = newEventWriter(keys, params.MaxLenEvents)
		nowMS  = params.Now.UnixMilli()
		opts   = params.Opts
	)

	var jobID string
	if opts.JobID != "" {
		if !keyspace.ValidJobID(opts.JobID) {
			return nil, fmt.Errorf("%w: %q", bulltype.ErrInvalidJobID, opts.JobID)
		}
		jobID = opts.JobID

		exists, err := tx.Exists(ctx, keys.Job(jobID))
		if err != nil {
			return nil, err
		}
		if exists {
			if err := events.emit(ctx, tx, bulltype.EventKindDuplicated, jobID); err != nil {
				return nil, err
			}
			return &AddJobResult{JobID: jobID, Duplicated: true}, nil
		}
	} else {
		id, err := tx.Incr(ctx, keys.ID())
		if err != nil {
			return nil, err
		}
		jobID = strconv.FormatInt(id, 10)
	}

	jobKey := keys.Job(jobID)

	rawOpts, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("error marshaling opts: %w", err)
	}

	fields := map[string]string{
		fieldAttemptsMade: "0",
		fieldData:         string(params.Data),
		fieldDelay:        strconv.FormatInt(opts.Delay.Milliseconds(), 10),
		fieldName:         params.Name,
		fieldOpts:         string(rawOpts),
		fieldPriority:     strconv.Itoa(opts.Priority),
		fieldTimestamp:    strconv.FormatInt(nowMS, 10),
	}
	if params.RepeatJobKey != "" {
		fields[fieldRepeatJobKey] = params.RepeatJobKey
	}

	if opts.Parent != nil {
		parentKey := opts.Parent.Key()
		if err := registerChild(ctx, tx, opAddJob, parentKey, jobKey); err != nil {
			return nil, err
		}

		rawParent, err := json.Marshal(opts.Parent)
		if err != nil {
			return nil, fmt.Errorf("error marshaling parent: %w", err)
		}
		fields[fieldParent] = string(rawParent)
		fields[fieldParentKey] = parentKey
	}

	if err := tx.HSet(ctx, jobKey, fields); err != nil {
		return nil, err
	}

	if err := events.emit(ctx, tx, bulltype.EventKindAdded, jobID, "name", params.Name); err != nil {
		return nil, err
	}

	switch {
	case params.WaitChildren:
		if _, err := tx.ZAdd(ctx, keys.WaitingChildren(), kvdriver.ZMember{Member: jobID, Score: float64(nowMS)}); err != nil {
			return nil, err
		}
		if err := events.emit(ctx, tx, bulltype.EventKindWaitingChildren, jobID); err != nil {
			return nil, err
		}

	case opts.Delay > 0:
		if err := addJobToDelayed(ctx, tx, keys, events, jobID, nowMS+opts.Delay.Milliseconds()); err != nil {
			return nil, err
		}

	default:
		if err := addJobToWaiting(ctx, tx, keys, jobID, opts.Priority, opts.LIFO); err != nil {
			return nil, err
		}
		if err := events.emit(ctx, tx, bulltype.EventKindWaiting, jobID); err != nil {
			return nil, err
		}
	}

	return &AddJobResult{JobID: jobID}, nil
}

// FlowNode is a job in a tree of jobs where every parent waits for its
// children to complete before it's worked.
type FlowNode struct {
	Children []*FlowNode
	Data     []byte
	Name     string
	Opts     bulltype.JobOpts

	// Queue is the name of the queue the job goes into. Every queue in a
	// flow shares one key prefix.
	Queue string
}

// FlowResult is the inserted counterpart of a FlowNode.
type FlowResult struct {
	Children []*FlowResult
	JobID    string
	Queue    string
}

// AddFlow inserts a tree of jobs. A node with children goes into
// waiting-children, and its children are inserted with it as their parent.
// Leaves are inserted normally.
func AddFlow(ctx context.Context, tx kvdriver.Tx, prefix string, node *FlowNode, now time.Time) (*FlowResult, error) {
	return addFlowNode(ctx, tx, prefix, node, nil, now)
}

func addFlowNode(ctx context.Context, tx kvdriver.Tx, prefix string, node *FlowNode, parent *bulltype.ParentRef, now time.Time) (*FlowResult, error) {
	keys := keyspace.New(prefix, node.Queue)

	opts := node.Opts
	if parent != nil {
		opts.Parent = parent
	}

	added, err := AddJob(ctx, tx, keys, &AddJobParams{
		Data:         node.Data,
		Name:         node.Name,
		Now:          now,
		Opts:         opts,
		WaitChildren: len(node.Children) > 0,
	})
	if err != nil {
		return nil, err
	}

	result := &FlowResult{JobID: added.JobID, Queue: node.Queue}
	if added.Duplicated {
		return result, nil
	}

	nodeRef := &bulltype.ParentRef{ID: added.JobID, QueueKey: keys.QueueKey()}
	for _, child := range node.Children {
		childResult, err := addFlowNode(ctx, tx, prefix, child, nodeRef, now)
		if err != nil {
			return nil, err
		}
		result.Children = append(result.Children, childResult)
	}

	// Children that turned out to be duplicates weren't registered, so the
	// node may have nothing to wait for.
	if len(node.Children) > 0 {
		if err := moveParentIfUnblocked(ctx, tx, keys, added.JobID, now.UnixMilli()); err != nil {
			return nil, err
		}
	}

	return result, nil
}
