package redisstore

import "fmt"

// Redis key naming conventions for queue data.
// All keys are prefixed with "taskqueue:" to avoid collisions.

const keyPrefix = "taskqueue:"

// seqKey is the counter that hands out job IDs.
const seqKey = keyPrefix + "job_seq"

// jobKey returns the Hash key for a job: taskqueue:job:{id}
func jobKey(member string) string { return keyPrefix + "job:" + member }

// pendingKey is the Sorted Set of uncompleted jobs scored by not-before.
const pendingKey = keyPrefix + "pending"

// typeKey returns the Sorted Set of uncompleted jobs of one type:
// taskqueue:type:{jobType}
func typeKey(jobType string) string { return keyPrefix + "type:" + jobType }

// groupKey returns the Sorted Set of all jobs in a group scored by ID:
// taskqueue:group:{group}
func groupKey(group string) string { return keyPrefix + "group:" + group }

// completedKey is the Sorted Set of completed jobs scored by completion time.
const completedKey = keyPrefix + "completed"

// member zero-pads ids so that equal scores order by ID.
func member(id int64) string { return fmt.Sprintf("%020d", id) }
