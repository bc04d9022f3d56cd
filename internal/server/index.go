package server

// indexHTML is the live insight viewer: it attaches to the firehose stream
// and appends each insight as it arrives.
const indexHTML = `<!DOCTYPE html>
<html>
  <head>
    <title>Video Analysis Insights</title>
  </head>
  <body>
    <h1>WebSocket Insights</h1>
    <ul id="insights"></ul>
    <script>
      var ws = new WebSocket("ws://" + location.host + "/ws/insights");
      ws.onmessage = function(event) {
          var insight = JSON.parse(event.data);
          var li = document.createElement("li");
          li.innerText = JSON.stringify(insight);
          document.getElementById("insights").appendChild(li);
      };
    </script>
  </body>
</html>
`
