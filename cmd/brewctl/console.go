package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/shlex"
	"github.com/spf13/cobra"

	"brewos-go/protocol"
	"brewos-go/types"
)

func init() {
	rootCmd.AddCommand(consoleCmd)
}

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive session over one connection",
	Long: `Opens the port once and reads commands from stdin. Useful when
probing a machine: the link stays up between commands and telemetry can
be sampled without reconnecting.

  > status
  > set-temp brew 93.5
  > brew start
  > quit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.close()

		in := bufio.NewScanner(os.Stdin)
		fmt.Println("connected, 'help' lists commands")
		for {
			fmt.Print("> ")
			if !in.Scan() {
				return in.Err()
			}
			words, err := shlex.Split(in.Text())
			if err != nil {
				fmt.Println("parse:", err)
				continue
			}
			if len(words) == 0 {
				continue
			}
			if words[0] == "quit" || words[0] == "exit" {
				return nil
			}
			if err := dispatch(s, words); err != nil {
				fmt.Println("error:", err)
			}
		}
	},
}

func dispatch(s *session, words []string) error {
	switch words[0] {
	case "help":
		fmt.Println("status, ping, set-temp <boiler> <C>, set-pid <boiler> <kp> <ki> <kd>,")
		fmt.Println("mode <idle|brew|steam>, brew <start|stop>, clean <start|stop>,")
		fmt.Println("fault-reset, config, quit")
		return nil

	case "status":
		f, err := s.waitFor(protocol.MsgStatus, 2*time.Second)
		if err != nil {
			return err
		}
		showFrame(f)
		return nil

	case "ping":
		if err := s.send(protocol.MsgPing, []byte{0x42}); err != nil {
			return err
		}
		if _, err := s.waitFor(protocol.MsgPing, cmdTimeout); err != nil {
			return err
		}
		fmt.Println("pong")
		return nil

	case "set-temp":
		if len(words) != 3 {
			return fmt.Errorf("usage: set-temp <brew|steam> <celsius>")
		}
		boiler, err := boilerArg(words[1])
		if err != nil {
			return err
		}
		temp, err := strconv.ParseFloat(words[2], 32)
		if err != nil {
			return err
		}
		p := protocol.SetTempPayload{Boiler: boiler, TempC: float32(temp)}
		if err := s.send(protocol.MsgSetTemp, p.Marshal(nil)); err != nil {
			return err
		}
		return s.waitAck(protocol.MsgSetTemp, cmdTimeout)

	case "set-pid":
		if len(words) != 5 {
			return fmt.Errorf("usage: set-pid <brew|steam> <kp> <ki> <kd>")
		}
		boiler, err := boilerArg(words[1])
		if err != nil {
			return err
		}
		var g [3]float32
		for i, w := range words[2:] {
			v, err := strconv.ParseFloat(w, 32)
			if err != nil {
				return err
			}
			g[i] = float32(v)
		}
		p := protocol.SetPIDPayload{Boiler: boiler,
			Gains: types.PIDGains{Kp: g[0], Ki: g[1], Kd: g[2]}}
		if err := s.send(protocol.MsgSetPID, p.Marshal(nil)); err != nil {
			return err
		}
		return s.waitAck(protocol.MsgSetPID, cmdTimeout)

	case "mode":
		if len(words) != 2 {
			return fmt.Errorf("usage: mode <idle|brew|steam>")
		}
		var mode types.MachineMode
		switch words[1] {
		case "idle":
			mode = types.ModeIdle
		case "brew":
			mode = types.ModeBrew
		case "steam":
			mode = types.ModeSteam
		default:
			return fmt.Errorf("unknown mode %q", words[1])
		}
		p := protocol.ModePayload{Mode: mode}
		if err := s.send(protocol.MsgMode, p.Marshal(nil)); err != nil {
			return err
		}
		return s.waitAck(protocol.MsgMode, cmdTimeout)

	case "brew":
		if len(words) != 2 || (words[1] != "start" && words[1] != "stop") {
			return fmt.Errorf("usage: brew <start|stop>")
		}
		p := protocol.BrewPayload{Start: words[1] == "start"}
		if err := s.send(protocol.MsgBrew, p.Marshal(nil)); err != nil {
			return err
		}
		return s.waitAck(protocol.MsgBrew, cmdTimeout)

	case "clean":
		if len(words) != 2 || (words[1] != "start" && words[1] != "stop") {
			return fmt.Errorf("usage: clean <start|stop>")
		}
		p := protocol.CleaningPayload{Active: words[1] == "start"}
		if err := s.send(protocol.MsgCleaning, p.Marshal(nil)); err != nil {
			return err
		}
		return s.waitAck(protocol.MsgCleaning, cmdTimeout)

	case "fault-reset":
		var p protocol.FaultResetPayload
		if err := s.send(protocol.MsgFaultReset, p.Marshal(nil)); err != nil {
			return err
		}
		return s.waitAck(protocol.MsgFaultReset, cmdTimeout)

	case "config":
		cfg, err := fetchConfig(s)
		if err != nil {
			return err
		}
		printConfig(cfg)
		return nil
	}
	return fmt.Errorf("unknown command %q", words[0])
}
