package calendar

import (
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-ical"
)

const productID = "-//ClassCharts Bridge//Timetable//EN"

// WriteICS encodes events as an iCalendar feed named calName. Times are
// written in UTC; stamp becomes every event's DTSTAMP.
func WriteICS(w io.Writer, calName string, events []Event, stamp time.Time) error {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	if calName != "" {
		cal.Props.SetText("X-WR-CALNAME", calName)
	}

	for _, ev := range events {
		cal.Children = append(cal.Children, toVEvent(ev, stamp).Component)
	}

	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("encode calendar: %w", err)
	}
	return nil
}

func toVEvent(ev Event, stamp time.Time) *ical.Event {
	out := ical.NewEvent()
	out.Props.SetText(ical.PropUID, ev.UID)
	out.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())
	out.Props.SetDateTime(ical.PropDateTimeStart, ev.Start.UTC())
	out.Props.SetDateTime(ical.PropDateTimeEnd, ev.End.UTC())
	out.Props.SetText(ical.PropSummary, ev.Summary)
	if ev.Description != "" {
		out.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		out.Props.SetText(ical.PropLocation, ev.Location)
	}
	return out
}
