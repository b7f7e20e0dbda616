package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sandboxagent/agentd/internal/schema"
)

type replyQuestionRequest struct {
	Answers [][]string `json:"answers"`
}

// handleAnswerQuestion serves POST /v1/sessions/{id}/questions/{qid}/reply
// (§6, §4.5). The wire body is positional: answers[i] holds the selected
// option ids for the i-th Question in the QuestionRequest that was asked,
// in the order it originally declared them. schema.QuestionAnswer keys
// selections by Question.ID instead, so this recovers both that order and
// each Question's valid Options by scanning the session's own Event Log
// for the matching questionAsked event, rather than threading it through
// the HITL Coordinator, which only tracks ownership (questionId ->
// sessionId) for duplicate-reply rejection, not question content.
func (s *Server) handleAnswerQuestion(c *gin.Context) {
	id := schema.SessionID(c.Param("id"))
	qid := c.Param("qid")

	var req replyQuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, schema.NewAgentError(schema.ErrorInvalidRequest, err.Error()))
		return
	}

	questions, err := s.recoverQuestions(id, qid)
	if err != nil {
		writeError(c, err)
		return
	}
	if len(req.Answers) != len(questions) {
		writeError(c, schema.NewAgentError(schema.ErrorInvalidRequest,
			"answers length does not match the number of questions asked").
			WithContext("expected", len(questions)).
			WithContext("got", len(req.Answers)))
		return
	}

	selections := make(map[string][]string, len(questions))
	for i, q := range questions {
		valid := make(map[string]struct{}, len(q.Options))
		for _, opt := range q.Options {
			valid[opt.ID] = struct{}{}
		}
		for _, label := range req.Answers[i] {
			if _, ok := valid[label]; !ok {
				writeError(c, schema.NewAgentError(schema.ErrorInvalidRequest,
					"selected label is not one of the question's options").
					WithContext("questionId", q.ID).
					WithContext("label", label))
				return
			}
		}
		selections[q.ID] = req.Answers[i]
	}

	err = s.mgr.AnswerQuestion(c.Request.Context(), id, qid, schema.QuestionAnswer{Selections: selections})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// recoverQuestions walks id's Event Log backward looking for the
// questionAsked event whose Question.ID matches qid, returning its
// Questions (each carrying its own Options) in the order they were
// declared.
func (s *Server) recoverQuestions(id schema.SessionID, qid string) ([]schema.Question, error) {
	log, err := s.mgr.Events(id)
	if err != nil {
		return nil, err
	}

	events, _, err := log.Range(0, 0)
	if err != nil {
		return nil, err
	}

	for i := len(events) - 1; i >= 0; i-- {
		asked, ok := events[i].Data.(schema.QuestionAskedEventData)
		if !ok || asked.Question.ID != qid {
			continue
		}
		return asked.Question.Questions, nil
	}
	return nil, schema.NewAgentError(schema.ErrorInvalidRequest, "no question with that id was asked on this session")
}

// handleRejectQuestion serves POST /v1/sessions/{id}/questions/{qid}/reject
// (§6, §4.5).
func (s *Server) handleRejectQuestion(c *gin.Context) {
	id := schema.SessionID(c.Param("id"))
	qid := c.Param("qid")

	if err := s.mgr.RejectQuestion(c.Request.Context(), id, qid); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

type replyPermissionRequest struct {
	Reply schema.PermissionReply `json:"reply"`
}

// handleReplyPermission serves POST /v1/sessions/{id}/permissions/{pid}/reply
// (§6, §4.5).
func (s *Server) handleReplyPermission(c *gin.Context) {
	id := schema.SessionID(c.Param("id"))
	pid := c.Param("pid")

	var req replyPermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, schema.NewAgentError(schema.ErrorInvalidRequest, err.Error()))
		return
	}
	switch req.Reply {
	case schema.PermissionReplyOnce, schema.PermissionReplyAlways, schema.PermissionReplyReject:
	default:
		writeError(c, schema.NewAgentError(schema.ErrorInvalidRequest, "reply must be one of: once, always, reject"))
		return
	}

	if err := s.mgr.ReplyPermission(c.Request.Context(), id, pid, req.Reply); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}
