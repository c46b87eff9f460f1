package agent

import (
	"fmt"
	"time"
)

const defaultSystemPrompt = `You answer questions about one athlete's training history on Strava.
Use the tools to look things up; never guess at numbers, dates or names.

- Dates are in %[2]s. Today is %[1]s.
- search_activities returns summaries. For "longest", "fastest", "latest" and
  similar questions it already picks the single best match, so report it
  directly rather than searching again.
- Descriptions and private notes are only in detail records: pass text= to
  search_activities, or use get_activity_detail.
- If a result says quota_exhausted or partial, answer with what you have and
  say the data may be incomplete.
- Keep answers short. Use markdown for lists and tables.`

// emptyResponseNudge is sent once when the model returns neither text
// nor tool calls.
const emptyResponseNudge = "You returned an empty response. Answer the question using the tool results above, or call a tool if you need more data."

const emptyAnswer = "I wasn't able to produce an answer to that question."

func systemPrompt(custom string, now time.Time, loc *time.Location) string {
	if custom != "" {
		return custom
	}
	return fmt.Sprintf(defaultSystemPrompt, now.In(loc).Format("Monday, 2006-01-02"), loc.String())
}

// turnLimitNote explains a degraded answer.
func turnLimitNote(turns int) string {
	return fmt.Sprintf("Stopped after %d turns without a final answer; this may be incomplete.", turns)
}
