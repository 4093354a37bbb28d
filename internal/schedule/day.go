package schedule

func task(id, text string) Task { return Task{ID: id, Text: text} }

// DefaultDay returns a fresh copy of the standard working day.
func DefaultDay() Schedule {
	return Schedule{
		{ID: "startup", StartTime: "07:50", EndTime: "08:00", Title: "Opstart", Tasks: []Task{
			task("startup-1", "PC aanzetten"),
			task("startup-2", "Koffie/thee pakken"),
			task("startup-3", "Agenda openen"),
		}},
		{ID: "morning-review", StartTime: "08:00", EndTime: "08:25", Title: "Beoordelen bak (ochtendronde)", Tasks: []Task{
			task("morning-review-1", "Nieuwe tickets bekijken"),
			task("morning-review-2", "Tickets beoordelen"),
			task("morning-review-3", "Prioriteiten stellen"),
		}},
		{ID: "standup-prep", StartTime: "08:25", EndTime: "08:30", Title: "Voorbereiding support standup", Tasks: []Task{
			task("standup-prep-1", "Planning doornemen"),
			task("standup-prep-2", "Haalbaarheid inschatten"),
		}},
		{ID: "morning-standup", StartTime: "08:30", EndTime: "08:35", Title: "Support standup (ochtend)", Tasks: []Task{
			task("morning-standup-1", "Wat ga je doen delen"),
			task("morning-standup-2", "Haalbaarheid inschatten"),
			task("morning-standup-3", "Eventuele hulpvragen bespreken"),
		}},
		{ID: "dev-meeting", StartTime: "08:35", EndTime: "09:00", Title: "Overleg met dev + tickets aanmaken in Jira", Tasks: []Task{
			task("dev-meeting-1", "Dev-overdracht bespreken"),
			task("dev-meeting-2", "Jira-tickets aanmaken"),
		}},
		{ID: "focus-block", StartTime: "09:00", EndTime: "11:00", Title: "Focusblok: belangrijke tickets", Tasks: []Task{
			task("focus-block-1", "Urgente/complexe tickets uitvoeren"),
		}},
		{ID: "mini-check-1", StartTime: "09:45", EndTime: "09:50", Title: "Mini check beoordelen bak", IsRecurring: true, Tasks: []Task{
			task("mini-check-1-1", "Check of er nieuwe urgente tickets zijn"),
		}},
		{ID: "medium-tickets", StartTime: "11:00", EndTime: "12:30", Title: "Middelmatige tickets + communicatie", Tasks: []Task{
			task("medium-tickets-1", "Klantreacties beantwoorden"),
			task("medium-tickets-2", "Normale tickets afhandelen"),
		}},
		{ID: "mini-check-2", StartTime: "12:15", EndTime: "12:20", Title: "Mini check beoordelen bak", IsRecurring: true, Tasks: []Task{
			task("mini-check-2-1", "Check of er nog urgente tickets zijn voor lunchpauze"),
		}},
		{ID: "lunch", StartTime: "12:30", EndTime: "13:00", Title: "Lunchpauze", Tasks: []Task{}},
		{ID: "low-priority", StartTime: "13:00", EndTime: "15:00", Title: "Minder dringende tickets + ad-hoc", Tasks: []Task{
			task("low-priority-1", "Tickets met lage prioriteit behandelen"),
			task("low-priority-2", "Ondersteuning bieden waar nodig"),
		}},
		{ID: "mini-check-3", StartTime: "13:45", EndTime: "13:50", Title: "Mini check beoordelen bak", IsRecurring: true, Tasks: []Task{
			task("mini-check-3-1", "Check of prioriteiten zijn veranderd"),
		}},
		{ID: "dev-handover", StartTime: "15:00", EndTime: "16:00", Title: "Voorbereiden overdracht naar development", Tasks: []Task{
			task("dev-handover-1", "Tickets selecteren voor dev"),
			task("dev-handover-2", "Duidelijke omschrijvingen maken"),
		}},
		{ID: "final-check", StartTime: "15:50", EndTime: "15:55", Title: "Laatste check beoordelen bak", IsRecurring: true, Tasks: []Task{
			task("final-check-1", "Check op nieuwe urgente tickets"),
		}},
		{ID: "flex-block", StartTime: "16:00", EndTime: "16:30", Title: "Flexblok + afronden", Tasks: []Task{
			task("flex-block-1", "Laatste openstaande tickets afronden"),
			task("flex-block-2", "Voorbereiden op einde werkdag"),
		}},
		{ID: "afternoon-standup", StartTime: "16:30", EndTime: "16:45", Title: "Support standup (middag)", Tasks: []Task{
			task("afternoon-standup-1", "Evalueren of taken zijn afgerond"),
			task("afternoon-standup-2", "Eventuele blockers bespreken"),
		}},
		{ID: "day-closure", StartTime: "16:45", EndTime: "17:00", Title: "Dag afsluiten & vooruitkijken", Tasks: []Task{
			task("day-closure-1", "Niet afgeronde taken inplannen"),
			task("day-closure-2", "Mailbox ordenen"),
		}},
	}
}
