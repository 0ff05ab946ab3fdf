package flags

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/url"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/agent-identity-provisioner/backend"
	"github.com/ruteri/agent-identity-provisioner/chain"
	"github.com/ruteri/agent-identity-provisioner/common"
	"github.com/ruteri/agent-identity-provisioner/httpserver"
	"github.com/ruteri/agent-identity-provisioner/interfaces"
	"github.com/ruteri/agent-identity-provisioner/metadata"
	"github.com/ruteri/agent-identity-provisioner/storage"
	"github.com/ruteri/agent-identity-provisioner/workflow"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) *httpserver.HTTPServerConfig {
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &httpserver.HTTPServerConfig{
		ListenAddr:               cCtx.String(ListenAddrFlag.Name),
		MetricsAddr:              cCtx.String(MetricsAddrFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		CORSOrigins:              cCtx.StringSlice(CORSOriginsFlag.Name),
		StartRate:                cCtx.Float64(StartRateFlag.Name),
		StartBurst:               cCtx.Int(StartBurstFlag.Name),
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		// Event streams stay open until the workflow settles.
		WriteTimeout: 0,
	}
}

// Components is the provisioning pipeline assembled from command line flags.
type Components struct {
	Orchestrator *workflow.Orchestrator
	Builder      *metadata.Builder
	ContentStore interfaces.ContentStore
	BackendURL   string

	closers []io.Closer
}

// Ready reports an error when the content store cannot be reached.
func (c *Components) Ready(ctx context.Context) error {
	if !c.ContentStore.Available(ctx) {
		return fmt.Errorf("content store %s unavailable", c.ContentStore.Name())
	}
	return nil
}

// Close releases the chain connection and the state store.
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i].Close()
	}
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

// BuildComponents dials the chain, opens the stores and wires the orchestrator.
// Metrics are registered with reg.
func BuildComponents(cCtx *cli.Context, log *slog.Logger, reg prometheus.Registerer) (*Components, error) {
	ctx := cCtx.Context
	components := &Components{BackendURL: cCtx.String(BackendURLFlag.Name)}
	fail := func(err error) (*Components, error) {
		components.Close()
		return nil, err
	}

	builder, err := metadata.NewBuilder(metadata.EndpointConfig{
		Endpoint:    cCtx.String(AgentEndpointFlag.Name),
		X402Support: cCtx.Bool(AgentX402Flag.Name),
	})
	if err != nil {
		return fail(err)
	}
	components.Builder = builder

	tokenAddr, err := parseContract(cCtx, TokenContractFlag)
	if err != nil {
		return fail(err)
	}
	registryAddr, err := parseContract(cCtx, RegistryContractFlag)
	if err != nil {
		return fail(err)
	}

	rpcAddr := cCtx.String(RpcAddrFlag.Name)
	log.Info("Connecting to Ethereum RPC", "address", rpcAddr)
	ethClient, err := ethclient.DialContext(ctx, rpcAddr)
	if err != nil {
		return fail(fmt.Errorf("failed to dial RPC: %w", err))
	}
	components.closers = append(components.closers, closerFunc(ethClient.Close))

	if expected := cCtx.Uint64(ChainIDFlag.Name); expected != 0 {
		if err := checkChainID(ctx, ethClient, expected); err != nil {
			return fail(err)
		}
	}

	contentStore, err := storage.NewStoreFactory(log).CreateMultiStore(contentLocations(cCtx))
	if err != nil {
		return fail(err)
	}
	components.ContentStore = contentStore
	publisher, err := storage.NewPublisher(contentStore, storage.PublisherConfig{
		Timeout:   cCtx.Duration(PublishTimeoutFlag.Name),
		CacheSize: storage.DefaultPublisherConfig().CacheSize,
	}, log)
	if err != nil {
		return fail(err)
	}

	stateStore, storeCloser, err := workflow.OpenStore(ctx, cCtx.String(StateStoreFlag.Name), log)
	if err != nil {
		return fail(err)
	}
	components.closers = append(components.closers, storeCloser)

	transactor := chain.NewTransactor(ethClient, log)
	waiter := chain.NewReceiptWaiter(ethClient, chain.WaitConfig{
		PollInterval: cCtx.Duration(ChainPollIntervalFlag.Name),
		Budget:       cCtx.Duration(ChainWaitBudgetFlag.Name),
	}, log)

	backendClient := backend.NewClient(components.BackendURL, 30*time.Second)
	provisioner := backend.NewProvisioner(backendClient, backend.Config{
		PollInterval: cCtx.Duration(BackendPollIntervalFlag.Name),
		WaitBudget:   cCtx.Duration(BackendWaitBudgetFlag.Name),
	}, log)

	components.Orchestrator = workflow.NewOrchestrator(workflow.Deps{
		Builder:     builder,
		Publisher:   publisher,
		Burner:      chain.NewTokenBurner(tokenAddr, transactor, waiter, log),
		Registrar:   chain.NewIdentityRegistrar(registryAddr, cCtx.Uint64(RegistryDeployBlockFlag.Name), ethClient, transactor, waiter, log),
		Provisioner: provisioner,
		Store:       stateStore,
	}, workflow.Config{
		Retry: workflow.RetryPolicy{
			MaxAttempts: cCtx.Int(RetryMaxAttemptsFlag.Name),
			BaseDelay:   cCtx.Duration(RetryBaseDelayFlag.Name),
			MaxDelay:    cCtx.Duration(RetryMaxDelayFlag.Name),
		},
	}, workflow.NewMetrics(reg), log)

	return components, nil
}

func parseContract(cCtx *cli.Context, flag *cli.StringFlag) (ethcommon.Address, error) {
	raw := cCtx.String(flag.Name)
	if !ethcommon.IsHexAddress(raw) {
		return ethcommon.Address{}, fmt.Errorf("--%s: invalid contract address %q", flag.Name, raw)
	}
	return ethcommon.HexToAddress(raw), nil
}

func checkChainID(ctx context.Context, client *ethclient.Client, expected uint64) error {
	id, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to query chain id: %w", err)
	}
	if id.Cmp(new(big.Int).SetUint64(expected)) != 0 {
		return fmt.Errorf("node reports chain id %s, expected %d", id, expected)
	}
	return nil
}

// contentLocations returns the configured content store URIs, including the S3 bucket if set.
func contentLocations(cCtx *cli.Context) []string {
	locations := cCtx.StringSlice(ContentStoreFlag.Name)

	bucket := cCtx.String(S3BucketFlag.Name)
	if bucket == "" {
		return locations
	}

	u := url.URL{Scheme: "s3", Host: bucket, Path: "/" + cCtx.String(S3PrefixFlag.Name)}
	if key := cCtx.String(S3AccessKeyFlag.Name); key != "" {
		u.User = url.UserPassword(key, cCtx.String(S3SecretKeyFlag.Name))
	}
	query := url.Values{}
	if region := cCtx.String(S3RegionFlag.Name); region != "" {
		query.Set("region", region)
	}
	if endpoint := cCtx.String(S3EndpointFlag.Name); endpoint != "" {
		query.Set("endpoint", endpoint)
	}
	u.RawQuery = query.Encode()

	return append(locations, u.String())
}

var RpcAddrFlag = &cli.StringFlag{
	Name:    "rpc-addr",
	Value:   "http://127.0.0.1:8545",
	Usage:   "address to connect to RPC",
	EnvVars: []string{"RPC_ADDR"},
}

var ChainIDFlag = &cli.Uint64Flag{
	Name:    "chain-id",
	Usage:   "expected chain id; the node is checked at startup when set",
	EnvVars: []string{"CHAIN_ID"},
}

var TokenContractFlag = &cli.StringFlag{
	Name:     "token-contract",
	Required: true,
	Usage:    "access token (ERC-721) contract address",
	EnvVars:  []string{"TOKEN_CONTRACT"},
}

var RegistryContractFlag = &cli.StringFlag{
	Name:     "registry-contract",
	Required: true,
	Usage:    "identity registry contract address",
	EnvVars:  []string{"REGISTRY_CONTRACT"},
}

var RegistryDeployBlockFlag = &cli.Uint64Flag{
	Name:    "registry-deploy-block",
	Usage:   "first block scanned when looking up existing registrations",
	EnvVars: []string{"REGISTRY_DEPLOY_BLOCK"},
}

var ChainPollIntervalFlag = &cli.DurationFlag{
	Name:    "chain-poll-interval",
	Value:   chain.DefaultWaitConfig().PollInterval,
	Usage:   "interval between receipt queries",
	EnvVars: []string{"CHAIN_POLL_INTERVAL"},
}

var ChainWaitBudgetFlag = &cli.DurationFlag{
	Name:    "chain-wait-budget",
	Value:   chain.DefaultWaitConfig().Budget,
	Usage:   "how long to wait for transaction inclusion",
	EnvVars: []string{"CHAIN_WAIT_BUDGET"},
}

var ContentStoreFlag = &cli.StringSliceFlag{
	Name:    "content-store",
	Value:   cli.NewStringSlice("ipfs://127.0.0.1:5001/"),
	Usage:   "content store location URI (ipfs://, s3://, file://, memory://); repeat to replicate",
	EnvVars: []string{"CONTENT_STORES"},
}

var S3BucketFlag = &cli.StringFlag{
	Name:    "s3-bucket",
	Usage:   "additionally publish documents to this S3 bucket",
	EnvVars: []string{"S3_BUCKET"},
}

var S3PrefixFlag = &cli.StringFlag{
	Name:    "s3-prefix",
	Usage:   "object key prefix within the S3 bucket",
	EnvVars: []string{"S3_PREFIX"},
}

var S3RegionFlag = &cli.StringFlag{
	Name:    "s3-region",
	Value:   "us-east-1",
	Usage:   "S3 region",
	EnvVars: []string{"S3_REGION"},
}

var S3EndpointFlag = &cli.StringFlag{
	Name:    "s3-endpoint",
	Usage:   "S3 compatible endpoint",
	EnvVars: []string{"S3_ENDPOINT"},
}

var S3AccessKeyFlag = &cli.StringFlag{
	Name:    "s3-access-key",
	EnvVars: []string{"S3_ACCESS_KEY"},
}

var S3SecretKeyFlag = &cli.StringFlag{
	Name:    "s3-secret-key",
	EnvVars: []string{"S3_SECRET_KEY"},
}

var PublishTimeoutFlag = &cli.DurationFlag{
	Name:    "publish-timeout",
	Value:   storage.DefaultPublisherConfig().Timeout,
	Usage:   "timeout for a single document upload",
	EnvVars: []string{"PUBLISH_TIMEOUT"},
}

var BackendURLFlag = &cli.StringFlag{
	Name:    "backend-url",
	Value:   "http://127.0.0.1:8081",
	Usage:   "base URL of the knowledge-stack backend",
	EnvVars: []string{"BACKEND_URL"},
}

var BackendPollIntervalFlag = &cli.DurationFlag{
	Name:    "backend-poll-interval",
	Value:   backend.DefaultConfig().PollInterval,
	Usage:   "interval between provisioning job status queries",
	EnvVars: []string{"BACKEND_POLL_INTERVAL"},
}

var BackendWaitBudgetFlag = &cli.DurationFlag{
	Name:    "backend-wait-budget",
	Value:   backend.DefaultConfig().WaitBudget,
	Usage:   "how long to wait for a provisioning job",
	EnvVars: []string{"BACKEND_WAIT_BUDGET"},
}

var RetryMaxAttemptsFlag = &cli.IntFlag{
	Name:    "retry-max-attempts",
	Value:   workflow.DefaultRetryPolicy().MaxAttempts,
	Usage:   "attempts per step for transient failures",
	EnvVars: []string{"RETRY_MAX_ATTEMPTS"},
}

var RetryBaseDelayFlag = &cli.DurationFlag{
	Name:    "retry-base-delay",
	Value:   workflow.DefaultRetryPolicy().BaseDelay,
	EnvVars: []string{"RETRY_BASE_DELAY"},
}

var RetryMaxDelayFlag = &cli.DurationFlag{
	Name:    "retry-max-delay",
	Value:   workflow.DefaultRetryPolicy().MaxDelay,
	EnvVars: []string{"RETRY_MAX_DELAY"},
}

var AgentEndpointFlag = &cli.StringFlag{
	Name:     "agent-endpoint",
	Required: true,
	Usage:    "service endpoint advertised in every identity document",
	EnvVars:  []string{"AGENT_ENDPOINT"},
}

var AgentX402Flag = &cli.BoolFlag{
	Name:    "agent-x402-support",
	Value:   true,
	Usage:   "advertise x402 payment support for the agent endpoint",
	EnvVars: []string{"AGENT_X402_SUPPORT"},
}

var StateStoreFlag = &cli.StringFlag{
	Name:    "state-store",
	Value:   "memory://",
	Usage:   "workflow state store: memory://, file:///dir, sqlite:///path.db or redis://host:6379/0",
	EnvVars: []string{"STATE_STORE"},
}

var ListenAddrFlag = &cli.StringFlag{
	Name:    "listen-addr",
	Value:   "127.0.0.1:8080",
	Usage:   "address to listen on for API",
	EnvVars: []string{"LISTEN_ADDR"},
}

var CORSOriginsFlag = &cli.StringSliceFlag{
	Name:    "cors-origin",
	Value:   cli.NewStringSlice("*"),
	Usage:   "origin allowed to call the API from a browser",
	EnvVars: []string{"CORS_ORIGINS"},
}

var StartRateFlag = &cli.Float64Flag{
	Name:    "start-rate",
	Value:   0.2,
	Usage:   "workflow starts per second allowed per client address, 0 disables limiting",
	EnvVars: []string{"START_RATE"},
}

var StartBurstFlag = &cli.IntFlag{
	Name:    "start-burst",
	Value:   5,
	EnvVars: []string{"START_BURST"},
}

var LogJsonFlag = &cli.BoolFlag{
	Name:    "log-json",
	Value:   false,
	Usage:   "log in JSON format",
	EnvVars: []string{"LOG_JSON"},
}
var LogDebugFlag = &cli.BoolFlag{
	Name:    "log-debug",
	Value:   false,
	Usage:   "log debug messages",
	EnvVars: []string{"LOG_DEBUG"},
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "log-service",
		Value:   service,
		Usage:   "add 'service' tag to logs",
		EnvVars: []string{"LOG_SERVICE"},
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:    "metrics-addr",
	Value:   "127.0.0.1:8090",
	Usage:   "address to listen on for Prometheus metrics",
	EnvVars: []string{"METRICS_ADDR"},
}

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}

var ServerFlags = []cli.Flag{
	ListenAddrFlag,
	CORSOriginsFlag,
	StartRateFlag,
	StartBurstFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}

// ProvisioningFlags configure the chain, stores, backend and retry policy.
var ProvisioningFlags = []cli.Flag{
	RpcAddrFlag,
	ChainIDFlag,
	TokenContractFlag,
	RegistryContractFlag,
	RegistryDeployBlockFlag,
	ChainPollIntervalFlag,
	ChainWaitBudgetFlag,
	ContentStoreFlag,
	S3BucketFlag,
	S3PrefixFlag,
	S3RegionFlag,
	S3EndpointFlag,
	S3AccessKeyFlag,
	S3SecretKeyFlag,
	PublishTimeoutFlag,
	BackendURLFlag,
	BackendPollIntervalFlag,
	BackendWaitBudgetFlag,
	RetryMaxAttemptsFlag,
	RetryBaseDelayFlag,
	RetryMaxDelayFlag,
	AgentEndpointFlag,
	AgentX402Flag,
	StateStoreFlag,
}
