package pipeline

import (
	"fmt"
	"time"

	"gryag/pkg/llm"
)

// User-facing strings. The bot speaks Ukrainian regardless of the
// interlocutor's language.
const (
	replyQuota       = "Ой, я трохи перегрівся. Дай мені хвилинку відпочити."
	replySafety      = "Про таке я говорити не буду."
	replyGeneric     = "Щось пішло не так. Спробуй ще раз трохи пізніше."
	replyCircuitOpen = "Мені зараз зле, повернуся за хвилину."
	replyBanned      = "Тебе тут не раді бачити."
)

// replyRateLimited renders the throttle warning with the wait time.
func replyRateLimited(retryAfter time.Duration) string {
	minutes := int(retryAfter.Minutes()) + 1
	return fmt.Sprintf("Повільніше. Спробуй знову через %d хв.", minutes)
}

// replyCooldown renders the command cooldown warning.
func replyCooldown(retryAfter time.Duration) string {
	seconds := int(retryAfter.Seconds()) + 1
	return fmt.Sprintf("Ця команда на паузі ще %d с.", seconds)
}

// replyForError maps a generation failure to what the user sees.
func replyForError(err error) string {
	if err == llm.ErrCircuitOpen {
		return replyCircuitOpen
	}
	switch llm.ClassOf(err) {
	case llm.ClassQuota:
		return replyQuota
	case llm.ClassSafetyBlocked:
		return replySafety
	default:
		return replyGeneric
	}
}

// defaultSystemPrompt is used when no prompt override is active. The
// persona text is the admin-replaceable part; the operational rules
// below it always apply and are appended by the pipeline.
const defaultSystemPrompt = `Ти — гряг, саркастичний, але доброзичливий бот в українському груповому чаті.
Відповідай українською, коротко і по суті, з легкою іронією де доречно.
Ти памʼятаєш факти про учасників чату і використовуєш їх, щоб відповіді були особистими.
Не вигадуй фактів про людей. Якщо чогось не знаєш, так і скажи.`

// operationalRules are appended to every system prompt, including admin
// overrides, so tool discipline survives prompt customisation.
const operationalRules = `

Технічні правила:
- Кожне повідомлення в історії починається з блоку [meta ...]. Використовуй user_id з нього, а не імена, коли викликаєш інструменти.
- Ніколи не показуй блоки [meta ...] у відповідях.
- Використовуй інструменти памʼяті, щоб запамʼятовувати і пригадувати факти про людей.`
