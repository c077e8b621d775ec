package state

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-session/internal/model"
)

func mcq(id string, n int) model.Question {
	opts := make([]model.Option, n)
	for i := range opts {
		opts[i] = model.Option{ID: model.ID(fmt.Sprintf("%s-o%d", id, i)), Text: fmt.Sprintf("option %d", i)}
	}
	return model.Question{ID: model.ID(id), Text: "pick one", MaxMark: 1, Kind: model.MCQ{Options: opts}}
}

func essay(id string, limit int) model.Question {
	return model.Question{ID: model.ID(id), Text: "explain", MaxMark: 5, Kind: model.Essay{WordLimit: limit}}
}

func upload(id string) model.Question {
	return model.Question{ID: model.ID(id), Text: "upload", MaxMark: 10, Kind: model.FileUpload{
		AllowedFileTypes: []string{"pdf", "docx"},
		MaxFileSizeBytes: 1024,
	}}
}

func newStore(qs ...model.Question) *Store {
	return New(&model.Assessment{ID: "7", Title: "Quiz", Questions: qs}, nil)
}

func TestNew_InitializesTypedEmptyAnswers(t *testing.T) {
	s := newStore(mcq("q1", 4), essay("q2", 0), upload("q3"))

	snap := s.Snapshot()
	require.Len(t, snap.Answers, 3)
	assert.IsType(t, model.MCQAnswer{}, snap.Answers[0])
	assert.IsType(t, model.EssayAnswer{}, snap.Answers[1])
	assert.IsType(t, model.FileAnswer{}, snap.Answers[2])
	assert.Equal(t, model.CompletionInProgress, snap.CompletionStatus)
	assert.Equal(t, model.SaveStatusSaved, snap.SaveStatus)
	assert.Equal(t, model.NetworkStatusOnline, snap.NetworkStatus)
	assert.Empty(t, snap.Flagged)
	assert.Equal(t, 0, s.Progress())
}

func TestUpdateAnswer_MCQ(t *testing.T) {
	s := newStore(mcq("q1", 4))

	got, err := s.UpdateAnswer(0, 2)
	require.NoError(t, err)

	a := got.(model.MCQAnswer)
	require.NotNil(t, a.SelectedOptionIndex)
	assert.Equal(t, 2, *a.SelectedOptionIndex)
	assert.Equal(t, model.ID("q1-o2"), a.SelectedOptionID)
	assert.True(t, a.IsAnswered)

	got, err = s.UpdateAnswer(0, nil)
	require.NoError(t, err)
	assert.False(t, got.Answered())
}

func TestUpdateAnswer_MCQOutOfRange(t *testing.T) {
	s := newStore(mcq("q1", 4))

	_, err := s.UpdateAnswer(0, 4)
	assert.ErrorIs(t, err, model.ErrInvalidAnswer)

	_, err = s.UpdateAnswer(0, "b")
	assert.ErrorIs(t, err, model.ErrInvalidAnswer)
}

func TestUpdateAnswer_EssayMarkup(t *testing.T) {
	s := newStore(essay("q1", 50))

	got, err := s.UpdateAnswer(0, "<p></p>")
	require.NoError(t, err)
	assert.False(t, got.Answered())

	got, err = s.UpdateAnswer(0, "<p>  &nbsp; </p>")
	require.NoError(t, err)
	assert.False(t, got.Answered())

	got, err = s.UpdateAnswer(0, "<p>Hi</p>")
	require.NoError(t, err)
	assert.True(t, got.Answered())
	assert.Equal(t, "<p>Hi</p>", got.(model.EssayAnswer).Content)
}

func TestUpdateAnswer_FileConstraints(t *testing.T) {
	s := newStore(upload("q1"))

	_, err := s.UpdateAnswer(0, model.FileMeta{FileName: "photo.exe", FileSize: 10})
	assert.ErrorIs(t, err, model.ErrUnsupportedFileType)

	_, err = s.UpdateAnswer(0, model.FileMeta{FileName: "essay.pdf", FileSize: 4096})
	assert.ErrorIs(t, err, model.ErrFileTooLarge)

	var fce *model.FileConstraintError
	require.ErrorAs(t, err, &fce)
	assert.Equal(t, int64(1024), fce.MaxBytes)

	assert.False(t, s.Snapshot().Answers[0].Answered(), "rejected upload must not reach state")

	got, err := s.UpdateAnswer(0, &model.FileMeta{FileName: "Essay.PDF", FileSize: 512})
	require.NoError(t, err)
	assert.True(t, got.Answered())
}

func TestUpdateAnswer_IndexOutOfRange(t *testing.T) {
	s := newStore(mcq("q1", 2))

	_, err := s.UpdateAnswer(3, 0)
	assert.ErrorIs(t, err, model.ErrQuestionIndex)
	_, err = s.ToggleFlag(-1)
	assert.ErrorIs(t, err, model.ErrQuestionIndex)
}

func TestUpdateAnswer_LastWriteWins(t *testing.T) {
	s := newStore(mcq("q1", 4))

	for _, v := range []int{0, 3, 1} {
		_, err := s.UpdateAnswer(0, v)
		require.NoError(t, err)
	}

	a := s.Snapshot().Answers[0].(model.MCQAnswer)
	assert.Equal(t, 1, *a.SelectedOptionIndex)
}

func TestProgress_Rounds(t *testing.T) {
	qs := make([]model.Question, 10)
	for i := range qs {
		qs[i] = mcq(fmt.Sprintf("q%d", i), 2)
	}
	s := newStore(qs...)

	for i := 0; i < 3; i++ {
		_, err := s.UpdateAnswer(i, 0)
		require.NoError(t, err)
	}
	assert.Equal(t, 30, s.Progress())

	s3 := newStore(mcq("a", 2), mcq("b", 2), mcq("c", 2))
	_, _ = s3.UpdateAnswer(0, 1)
	assert.Equal(t, 33, s3.Progress())
	_, _ = s3.UpdateAnswer(1, 1)
	assert.Equal(t, 67, s3.Progress())
}

func TestToggleFlag(t *testing.T) {
	s := newStore(mcq("q1", 2), mcq("q2", 2), mcq("q3", 2))

	on, err := s.ToggleFlag(2)
	require.NoError(t, err)
	assert.True(t, on)
	_, _ = s.ToggleFlag(0)
	assert.Equal(t, []int{0, 2}, s.Snapshot().Flagged)

	on, err = s.ToggleFlag(2)
	require.NoError(t, err)
	assert.False(t, on)
	assert.Equal(t, []int{0}, s.Snapshot().Flagged)
}

func TestNavigation(t *testing.T) {
	s := newStore(mcq("q1", 2), mcq("q2", 2), mcq("q3", 2))

	assert.Equal(t, 0, s.Prev())
	assert.Equal(t, 1, s.Next())
	assert.Equal(t, 2, s.Next())
	assert.Equal(t, 2, s.Next())

	require.NoError(t, s.Navigate(0))
	assert.Equal(t, 0, s.Current())
	assert.ErrorIs(t, s.Navigate(3), model.ErrQuestionIndex)
}

func TestQuestionStatus_Priority(t *testing.T) {
	s := newStore(mcq("q1", 2), mcq("q2", 2), mcq("q3", 2), mcq("q4", 2))
	_, _ = s.UpdateAnswer(0, 0)
	_, _ = s.UpdateAnswer(1, 0)
	_, _ = s.ToggleFlag(1)
	require.NoError(t, s.Navigate(2))

	want := []model.QuestionStatus{
		model.QuestionStatusAnswered,
		model.QuestionStatusFlagged,
		model.QuestionStatusCurrent,
		model.QuestionStatusUnanswered,
	}
	for i, w := range want {
		got, err := s.QuestionStatus(i)
		require.NoError(t, err)
		assert.Equal(t, w, got, "question %d", i)
	}
}

func TestWordCount(t *testing.T) {
	s := newStore(essay("q1", 5), mcq("q2", 2))
	_, err := s.UpdateAnswer(0, "<p>one two</p><p>three</p>")
	require.NoError(t, err)

	count, limit, err := s.WordCount(0)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, 5, limit)

	_, _, err = s.WordCount(1)
	assert.ErrorIs(t, err, model.ErrInvalidAnswer)
}

func TestSubmissionLifecycle_FreezesAnswers(t *testing.T) {
	s := newStore(mcq("q1", 2), essay("q2", 0))
	_, _ = s.UpdateAnswer(0, 1)

	require.NoError(t, s.BeginSubmit())
	assert.ErrorIs(t, s.BeginSubmit(), model.ErrNotInProgress)

	_, err := s.UpdateAnswer(1, "late")
	assert.ErrorIs(t, err, model.ErrSessionLocked)

	s.RevertSubmit()
	assert.Equal(t, model.CompletionInProgress, s.Completion())

	require.NoError(t, s.BeginSubmit())
	require.NoError(t, s.MarkSubmitted())
	before := s.Snapshot()

	_, err = s.UpdateAnswer(1, "late")
	assert.ErrorIs(t, err, model.ErrSessionLocked)
	_, err = s.ToggleFlag(0)
	assert.ErrorIs(t, err, model.ErrSessionLocked)
	s.RevertSubmit()

	assert.Equal(t, before, s.Snapshot())
	require.NoError(t, s.Navigate(1), "navigation stays available after submit")
}

func TestPayloads(t *testing.T) {
	s := newStore(mcq("q1", 3), essay("q2", 0), upload("q3"))
	_, _ = s.UpdateAnswer(0, 2)
	_, _ = s.UpdateAnswer(1, "<p>Answer</p>")
	_, _ = s.ToggleFlag(2)

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p := s.ProgressPayload(4, at)
	assert.Equal(t, uint64(4), p.Sequence)
	assert.True(t, p.Timestamp.Equal(at))
	assert.Equal(t, []int{2}, p.FlaggedQuestions)
	require.Len(t, p.Answers, 3)
	assert.Equal(t, model.ID("q1-o2"), p.Answers[0].SelectedOptionID)
	assert.Equal(t, "<p>Answer</p>", p.Answers[1].Content)
	assert.False(t, p.Answers[2].IsAnswered)

	sp := s.SubmitPayload()
	assert.Equal(t, p.Answers, sp.Answers)
	assert.Equal(t, p.FlaggedQuestions, sp.FlaggedQuestions)
}

func TestRestore(t *testing.T) {
	s := New(&model.Assessment{ID: "7", Title: "Quiz"}, []model.Question{
		mcq("q2", 3), mcq("q1", 3), essay("q3", 0),
	})
	two := 2
	zero := 0

	restored, dropped := s.Restore(&model.Progress{
		Answers: model.AnswerSet{
			// matched by id even though the index moved
			0: {QuestionID: "q1", Type: model.QuestionTypeMCQ, SelectedOptionIndex: &zero, SelectedOptionID: "q1-o1"},
			1: {QuestionID: "q2", Type: model.QuestionTypeMCQ, SelectedOptionIndex: &two},
			2: {Type: model.QuestionTypeEssay, Content: "<p>kept</p>"},
			3: {QuestionID: "gone", Type: model.QuestionTypeMCQ, SelectedOptionIndex: &zero},
		},
		FlaggedQuestions: []int{2, 9},
	})

	assert.Equal(t, 3, restored)
	assert.Equal(t, []int{3}, dropped)

	snap := s.Snapshot()
	assert.Equal(t, 2, *snap.Answers[0].(model.MCQAnswer).SelectedOptionIndex)
	assert.Equal(t, 1, *snap.Answers[1].(model.MCQAnswer).SelectedOptionIndex, "option id wins over index")
	assert.True(t, snap.Answers[2].Answered())
	assert.Equal(t, []int{2}, snap.Flagged)
}

func TestRestore_DropsTypeMismatch(t *testing.T) {
	s := newStore(essay("q1", 0))

	restored, dropped := s.Restore(&model.Progress{Answers: model.AnswerSet{
		0: {QuestionID: "q1", Type: model.QuestionTypeFile},
	}})

	assert.Zero(t, restored)
	assert.Equal(t, []int{0}, dropped)
}

func TestSetters_ReportChange(t *testing.T) {
	s := newStore(mcq("q1", 2))

	assert.False(t, s.SetSaveStatus(model.SaveStatusSaved))
	assert.True(t, s.SetSaveStatus(model.SaveStatusSaving))
	assert.True(t, s.SetNetworkStatus(model.NetworkStatusOffline))
	assert.False(t, s.SetNetworkStatus(model.NetworkStatusOffline))

	s.SetTimeRemaining(-5)
	assert.Equal(t, 0, s.TimeRemaining())
}

func TestSnapshot_IsACopy(t *testing.T) {
	s := newStore(mcq("q1", 3))
	_, _ = s.UpdateAnswer(0, 1)

	snap := s.Snapshot()
	*snap.Answers[0].(model.MCQAnswer).SelectedOptionIndex = 0

	assert.Equal(t, 1, *s.Snapshot().Answers[0].(model.MCQAnswer).SelectedOptionIndex)
}

func TestConcurrentUpdates(t *testing.T) {
	s := newStore(mcq("q1", 4), essay("q2", 0))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.UpdateAnswer(0, i%4)
			_, _ = s.UpdateAnswer(1, fmt.Sprintf("<p>%d</p>", i))
			_ = s.Progress()
			_ = s.Snapshot()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 100, s.Progress())
	assert.Equal(t, uint64(100), s.Revision())
}
