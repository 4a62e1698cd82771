package types

import "strings"

// JobDescriptor is the body of a message on the request queue. The
// payload itself lives in the input bucket under FileName; the queue only
// carries the reference.
type JobDescriptor struct {
	FileName string `json:"file_name"`
}

// ReplyMessage is the body of a message on the reply queue, and also the
// object persisted to the output bucket. MessageID echoes the SQS message
// id assigned when the job was enqueued, which is what lets the reply be
// correlated back to the waiting caller.
type ReplyMessage struct {
	MessageID   string   `json:"Message_ID"`
	ResultImage []string `json:"Result_Image"`
}

// Result returns the first classification result, or "" when the worker
// produced none.
func (r ReplyMessage) Result() string {
	if len(r.ResultImage) == 0 {
		return ""
	}
	return r.ResultImage[0]
}

// ResultKey derives the output-bucket key for a job input file name:
// "face_1.jpg" -> "face_1_result.json".
func ResultKey(fileName string) string {
	stem, _, _ := strings.Cut(fileName, ".")
	return stem + "_result.json"
}
