package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/blukai/netplay/internal/protocol"
	"github.com/blukai/netplay/internal/slots"
)

func printSlots(w io.Writer, dir *slots.Directory, ping func(int) time.Duration) {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"#", "Name", "Controller", "Team", "Ready", "Spectator", "Ping"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	dir.Each(func(i int, s slots.Slot) {
		if !s.Allocated && s.Controller == slots.Open {
			return
		}
		name := s.Name
		if s.IsAdmin {
			name += " *"
		}
		tw.Append([]string{
			strconv.Itoa(i),
			name,
			s.Controller.String(),
			strconv.Itoa(int(s.Team)),
			yesNo(s.Ready),
			yesNo(s.IsSpectator),
			ping(i).Round(time.Millisecond).String(),
		})
	})
	tw.Render()
}

func printGames(w io.Writer, games []protocol.SessionDescriptor) {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"ID", "Name", "Host", "Address", "Map", "Players", "Spectators", "Version", "Locked"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, g := range games {
		tw.Append([]string{
			strconv.FormatUint(uint64(g.GameID), 10),
			g.Name,
			g.HostName,
			fmt.Sprintf("%s:%d", g.Host, g.GamePort),
			g.MapName,
			fmt.Sprintf("%d/%d", g.CurrentPlayers, g.MaxPlayers),
			strconv.FormatUint(uint64(g.Spectators), 10),
			g.VersionString,
			yesNo(g.Private),
		})
	}
	tw.Render()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
