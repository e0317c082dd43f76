package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"brewos-go/protocol"
	"brewos-go/types"
)

const cmdTimeout = 3 * time.Second

func init() {
	rootCmd.AddCommand(pingCmd, watchCmd, setTempCmd, setPIDCmd, modeCmd,
		brewCmd, cleanCmd, faultResetCmd, getConfigCmd, setConfigCmd)

	setConfigCmd.Flags().String("strategy", "", "heating strategy: brew_only, sequential, parallel, steam_priority, smart_stagger")
	setConfigCmd.Flags().Int("eco-min", -1, "idle minutes before auto-standby, 0 disables")
	setConfigCmd.Flags().String("preinfusion", "", "on or off")
	setConfigCmd.Flags().Int("preinfusion-on-ms", -1, "pre-infusion pump pulse")
	setConfigCmd.Flags().Int("preinfusion-pause-ms", -1, "pre-infusion soak pause")
}

func boilerArg(s string) (uint8, error) {
	switch s {
	case "brew":
		return protocol.BoilerBrew, nil
	case "steam":
		return protocol.BoilerSteam, nil
	}
	return 0, fmt.Errorf("boiler must be brew or steam, got %q", s)
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Round-trip an echo frame",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.close()

		payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
		start := time.Now()
		if err := s.send(protocol.MsgPing, payload); err != nil {
			return err
		}
		f, err := s.waitFor(protocol.MsgPing, cmdTimeout)
		if err != nil {
			return err
		}
		if len(f.Payload) != len(payload) {
			return fmt.Errorf("echo mangled: %d bytes back", len(f.Payload))
		}
		fmt.Printf("pong in %v\n", time.Since(start).Round(time.Microsecond))
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live telemetry until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.close()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt)
		for {
			select {
			case <-stop:
				return nil
			default:
			}
			f, err := s.next(time.Second)
			if err != nil {
				continue
			}
			showFrame(f)
		}
	},
}

func showFrame(f *protocol.Frame) {
	stamp := time.Now().Format("15:04:05.000")
	switch f.Type {
	case protocol.MsgStatus:
		var sp protocol.StatusPayload
		if sp.Unmarshal(f.Payload) == nil {
			fmt.Printf("%s %-8s brew=%6.2fC steam=%6.2fC group=%6.2fC p=%4.1fbar duty=%3d/%3d shot=%5dms flags=%s\n",
				stamp, sp.State, sp.BrewTempC, sp.SteamTempC, sp.GroupTempC,
				sp.PressureBar, sp.BrewDuty, sp.SteamDuty, sp.ShotMs, sp.Flags)
		}
	case protocol.MsgAlarm:
		var ap protocol.AlarmPayload
		if ap.Unmarshal(f.Payload) == nil {
			fmt.Printf("%s ALARM code=%d flags=%s temp=%.1f\n", stamp, ap.Code, ap.Flags, ap.TempC)
		}
	case protocol.MsgBoot:
		var bp protocol.BootPayload
		if bp.Unmarshal(f.Payload) == nil {
			fmt.Printf("%s boot fw=%d.%d machine=%s wd_reset=%v\n",
				stamp, bp.FWMajor, bp.FWMinor, bp.Machine, bp.WatchdogReset)
		}
	case protocol.MsgLog:
		var lp protocol.LogPayload
		if lp.Unmarshal(f.Payload) == nil {
			fmt.Printf("%s log[%d] %s\n", stamp, lp.Level, lp.Text)
		}
	}
}

var setTempCmd = &cobra.Command{
	Use:   "set-temp <brew|steam> <celsius>",
	Short: "Change a boiler setpoint",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		boiler, err := boilerArg(args[0])
		if err != nil {
			return err
		}
		temp, err := strconv.ParseFloat(args[1], 32)
		if err != nil {
			return fmt.Errorf("temperature: %w", err)
		}
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.close()

		p := protocol.SetTempPayload{Boiler: boiler, TempC: float32(temp)}
		if err := s.send(protocol.MsgSetTemp, p.Marshal(nil)); err != nil {
			return err
		}
		if err := s.waitAck(protocol.MsgSetTemp, cmdTimeout); err != nil {
			return err
		}
		fmt.Printf("%s setpoint -> %.1fC\n", args[0], temp)
		return nil
	},
}

var setPIDCmd = &cobra.Command{
	Use:   "set-pid <brew|steam> <kp> <ki> <kd>",
	Short: "Change a boiler's PID gains",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		boiler, err := boilerArg(args[0])
		if err != nil {
			return err
		}
		var g [3]float32
		for i, a := range args[1:] {
			v, err := strconv.ParseFloat(a, 32)
			if err != nil {
				return fmt.Errorf("gain %q: %w", a, err)
			}
			g[i] = float32(v)
		}
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.close()

		p := protocol.SetPIDPayload{Boiler: boiler,
			Gains: types.PIDGains{Kp: g[0], Ki: g[1], Kd: g[2]}}
		if err := s.send(protocol.MsgSetPID, p.Marshal(nil)); err != nil {
			return err
		}
		return s.waitAck(protocol.MsgSetPID, cmdTimeout)
	},
}

var modeCmd = &cobra.Command{
	Use:   "mode <idle|brew|steam>",
	Short: "Select the operating mode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var mode types.MachineMode
		switch args[0] {
		case "idle":
			mode = types.ModeIdle
		case "brew":
			mode = types.ModeBrew
		case "steam":
			mode = types.ModeSteam
		default:
			return fmt.Errorf("mode must be idle, brew or steam")
		}
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.close()

		p := protocol.ModePayload{Mode: mode}
		if err := s.send(protocol.MsgMode, p.Marshal(nil)); err != nil {
			return err
		}
		return s.waitAck(protocol.MsgMode, cmdTimeout)
	},
}

var brewCmd = &cobra.Command{
	Use:   "brew <start|stop>",
	Short: "Start or stop a shot remotely",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[0] != "start" && args[0] != "stop" {
			return fmt.Errorf("argument must be start or stop")
		}
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.close()

		p := protocol.BrewPayload{Start: args[0] == "start"}
		if err := s.send(protocol.MsgBrew, p.Marshal(nil)); err != nil {
			return err
		}
		return s.waitAck(protocol.MsgBrew, cmdTimeout)
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean <start|stop>",
	Short: "Enter or leave cleaning mode",
	Long: `Puts the machine in cleaning mode. While active, each press of the
brew switch runs one backflush instead of a shot. The machine refuses
to enter cleaning while a shot is running.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[0] != "start" && args[0] != "stop" {
			return fmt.Errorf("argument must be start or stop")
		}
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.close()

		p := protocol.CleaningPayload{Active: args[0] == "start"}
		if err := s.send(protocol.MsgCleaning, p.Marshal(nil)); err != nil {
			return err
		}
		return s.waitAck(protocol.MsgCleaning, cmdTimeout)
	},
}

var faultResetCmd = &cobra.Command{
	Use:   "fault-reset",
	Short: "Ask the controller to clear latched faults",
	Long: `Asks the controller to clear latched fault flags. The controller
re-evaluates its interlocks first: a fault whose cause is still present
stays latched, and the next status frame shows it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.close()

		var p protocol.FaultResetPayload
		if err := s.send(protocol.MsgFaultReset, p.Marshal(nil)); err != nil {
			return err
		}
		if err := s.waitAck(protocol.MsgFaultReset, cmdTimeout); err != nil {
			return err
		}
		fmt.Println("reset accepted, check status flags for the outcome")
		return nil
	},
}

var getConfigCmd = &cobra.Command{
	Use:   "get-config",
	Short: "Dump the controller's runtime configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.close()

		cfg, err := fetchConfig(s)
		if err != nil {
			return err
		}
		printConfig(cfg)
		return nil
	},
}

var setConfigCmd = &cobra.Command{
	Use:   "set-config",
	Short: "Change runtime configuration fields",
	Long: `Fetches the current configuration, applies the given flags and
writes the result back. Unsupplied fields keep their values.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.close()

		cfg, err := fetchConfig(s)
		if err != nil {
			return err
		}

		if v, _ := cmd.Flags().GetString("strategy"); v != "" {
			st, err := strategyArg(v)
			if err != nil {
				return err
			}
			cfg.Strategy.Strategy = st
		}
		if v, _ := cmd.Flags().GetInt("eco-min"); v >= 0 {
			cfg.EcoTimeoutMin = uint16(v)
		}
		if v, _ := cmd.Flags().GetString("preinfusion"); v != "" {
			cfg.PreInfusion.Enabled = v == "on"
		}
		if v, _ := cmd.Flags().GetInt("preinfusion-on-ms"); v >= 0 {
			cfg.PreInfusion.OnMs = uint16(v)
		}
		if v, _ := cmd.Flags().GetInt("preinfusion-pause-ms"); v >= 0 {
			cfg.PreInfusion.PauseMs = uint16(v)
		}

		p := protocol.ConfigPayload{Config: cfg}
		if err := s.send(protocol.MsgSetConfig, p.Marshal(nil)); err != nil {
			return err
		}
		if err := s.waitAck(protocol.MsgSetConfig, cmdTimeout); err != nil {
			return err
		}
		fmt.Println("config applied")
		return nil
	},
}

func strategyArg(s string) (types.HeatingStrategy, error) {
	for st := types.BrewOnly; st.Valid(); st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown strategy %q", s)
}

func fetchConfig(s *session) (types.RuntimeConfig, error) {
	if err := s.send(protocol.MsgGetConfig, nil); err != nil {
		return types.RuntimeConfig{}, err
	}
	f, err := s.waitFor(protocol.MsgConfig, cmdTimeout)
	if err != nil {
		return types.RuntimeConfig{}, err
	}
	var p protocol.ConfigPayload
	if err := p.Unmarshal(f.Payload); err != nil {
		return types.RuntimeConfig{}, err
	}
	return p.Config, nil
}

func printConfig(c types.RuntimeConfig) {
	fmt.Printf("machine        %s\n", c.Machine)
	fmt.Printf("setpoints      brew %.1fC  steam %.1fC\n", c.Setpoints.BrewC, c.Setpoints.SteamC)
	fmt.Printf("brew gains     kp=%.2f ki=%.2f kd=%.2f\n", c.BrewGains.Kp, c.BrewGains.Ki, c.BrewGains.Kd)
	fmt.Printf("steam gains    kp=%.2f ki=%.2f kd=%.2f\n", c.SteamGains.Kp, c.SteamGains.Ki, c.SteamGains.Kd)
	fmt.Printf("strategy       %s threshold=%d%% max_duty=%d priority_brew=%v\n",
		c.Strategy.Strategy, c.Strategy.ThresholdPct, c.Strategy.MaxCombinedDuty, c.Strategy.PriorityBrew)
	fmt.Printf("pre-infusion   enabled=%v on=%dms pause=%dms\n",
		c.PreInfusion.Enabled, c.PreInfusion.OnMs, c.PreInfusion.PauseMs)
	fmt.Printf("eco timeout    %d min\n", c.EcoTimeoutMin)
}
